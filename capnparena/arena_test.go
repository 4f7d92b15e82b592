package capnparena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	capnp "zombiezen.com/go/capnproto2"

	"github.com/nmxmxh/nativebuf/buffer"
)

func newAllocator(t *testing.T) *buffer.Allocator {
	t.Helper()
	a, err := buffer.New(buffer.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func TestArena_MessageRoundTrip(t *testing.T) {
	alloc := newAllocator(t)
	arena := New(alloc)

	msg, seg, err := capnp.NewMessage(arena)
	require.NoError(t, err)

	root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 16})
	require.NoError(t, err)
	root.SetUint64(0, 42)
	root.SetUint64(8, 1<<40)

	data, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := capnp.Unmarshal(data)
	require.NoError(t, err)
	ptr, err := decoded.RootPtr()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ptr.Struct().Uint64(0))
	assert.Equal(t, uint64(1<<40), ptr.Struct().Uint64(8))

	assert.Equal(t, int64(1), arena.NumSegments())
	assert.Equal(t, 1, alloc.Stats().Kinds[buffer.Persistent].Live)
}

func TestArena_GrowsSegments(t *testing.T) {
	alloc := newAllocator(t)
	arena := New(alloc)

	msg, seg, err := capnp.NewMessage(arena)
	require.NoError(t, err)

	// larger than the first segment
	root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 16000})
	require.NoError(t, err)
	root.SetUint64(0, 7)
	root.SetUint64(15992, 99)

	assert.GreaterOrEqual(t, arena.NumSegments(), int64(2))
	for _, buf := range arena.Buffers() {
		assert.Equal(t, buffer.Persistent, buf.Kind())
		assert.Zero(t, uintptr(buf.Pointer())%8)
	}

	data, err := msg.Marshal()
	require.NoError(t, err)
	decoded, err := capnp.Unmarshal(data)
	require.NoError(t, err)
	ptr, err := decoded.RootPtr()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ptr.Struct().Uint64(0))
	assert.Equal(t, uint64(99), ptr.Struct().Uint64(15992))
}

func TestArena_Release(t *testing.T) {
	alloc := newAllocator(t)
	arena := New(alloc)

	_, _, err := capnp.NewMessage(arena)
	require.NoError(t, err)
	bufs := append([]buffer.RawBuffer(nil), arena.Buffers()...)
	require.NotEmpty(t, bufs)

	require.NoError(t, arena.Release())
	for _, buf := range bufs {
		assert.False(t, buf.Live())
	}
	assert.Equal(t, int64(0), arena.NumSegments())
	assert.Equal(t, 0, alloc.Stats().Kinds[buffer.Persistent].Live)

	_, err = arena.Data(0)
	assert.Error(t, err)
}
