package sharedmem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/nativebuf/buffer"
)

func TestHostWriteGuestRead(t *testing.T) {
	r := newRegion(t)

	msg := []byte("hello from the host")
	r.post(t, r.in, msg)
	r.signal(t, idxInboxDirty)

	assert.Equal(t, int32(1), r.epoch(t, idxInboxDirty))
	assert.Equal(t, msg, r.fetch(t, r.in, len(msg)))
	// the guest sees the bytes in place
	assert.Equal(t, msg, r.mem[inboxBase:inboxBase+len(msg)])
}

func TestGuestWriteHostRead(t *testing.T) {
	r := newRegion(t)

	msg := []byte("reply from the guest")
	copy(r.mem[outboxBase:], msg)
	r.mem[controlBase+4*idxOutboxDirty]++

	assert.Equal(t, int32(1), r.epoch(t, idxOutboxDirty))
	assert.Equal(t, msg, r.fetch(t, r.out, len(msg)))
}

func TestMailboxesAliasRegion(t *testing.T) {
	r := newRegion(t)

	assert.Equal(t, unsafe.Pointer(&r.mem[inboxBase]), r.in.Pointer())
	assert.Equal(t, unsafe.Pointer(&r.mem[outboxBase]), r.out.Pointer())
	assert.True(t, r.in.IsSlice())
	assert.Equal(t, r.buf.Generation(), r.in.Generation())

	b, err := r.out.Bytes()
	require.NoError(t, err)
	b[0] = 0x7f
	assert.Equal(t, byte(0x7f), r.mem[outboxBase])
}

func TestEpochCountsEverySignal(t *testing.T) {
	r := newRegion(t)

	for i := 0; i < 100; i++ {
		r.signal(t, idxInboxDirty)
	}
	for i := 0; i < 7; i++ {
		r.signal(t, idxOutboxDirty)
	}

	assert.Equal(t, int32(100), r.epoch(t, idxInboxDirty))
	assert.Equal(t, int32(7), r.epoch(t, idxOutboxDirty))
}

func TestMessageSizes(t *testing.T) {
	r := newRegion(t)

	tests := []struct {
		name string
		box  buffer.RawBuffer
		size int
	}{
		{"SmallInbox", r.in, 4},
		{"MediumInbox", r.in, 1024},
		{"FullInbox", r.in, inboxSize},
		{"SmallOutbox", r.out, 16},
		{"FullOutbox", r.out, outboxSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := make([]byte, tt.size)
			for i := range msg {
				msg[i] = byte(i % 251)
			}
			r.post(t, tt.box, msg)
			assert.Equal(t, msg, r.fetch(t, tt.box, tt.size))
		})
	}
}

func TestStagingThroughScope(t *testing.T) {
	r := newRegion(t)
	alloc, err := buffer.New(buffer.DefaultConfig())
	require.NoError(t, err)
	defer alloc.Close()

	var scratch buffer.RawBuffer
	err = alloc.WithScope(func(*buffer.Scope) error {
		scratch, err = alloc.Allocate(512, 8, buffer.Transient)
		if err != nil {
			return err
		}
		h, err := buffer.CreateHandle(scratch, buffer.ReadWrite)
		if err != nil {
			return err
		}
		defer h.Release()

		words, err := buffer.NewView[uint64](scratch, h)
		if err != nil {
			return err
		}
		for i := uint64(0); i < words.Len(); i++ {
			if err := words.Set(i, i*i); err != nil {
				return err
			}
		}
		return buffer.Copy(r.out, scratch, scratch.Len())
	})
	require.NoError(t, err)

	assert.False(t, scratch.Live())

	h, err := buffer.CreateHandle(r.buf, buffer.ReadOnly)
	require.NoError(t, err)
	defer h.Release()
	words, err := buffer.NewView[uint64](r.out, h)
	require.NoError(t, err)
	for _, i := range []uint64{0, 1, 9, 63} {
		v, err := words.Get(i)
		require.NoError(t, err)
		assert.Equal(t, i*i, v)
	}
}
