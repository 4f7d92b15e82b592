// Package sharedmem exercises a host-owned shared region through the buffer
// layer the way an embedding runtime would: the host imports the region once
// and hands out slices of it as mailboxes.
package sharedmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/nativebuf/buffer"
)

const (
	regionSize = 1 << 20

	controlBase = 0x0000
	controlSize = 0x1000

	inboxBase  = 0x1000
	inboxSize  = 0x10000
	outboxBase = inboxBase + inboxSize
	outboxSize = 0x10000
	arenaBase  = outboxBase + outboxSize

	// control words, as int32 indices
	idxInboxDirty  = 0
	idxOutboxDirty = 1
)

type region struct {
	im   *buffer.Importer
	mem  []byte
	buf  buffer.RawBuffer
	ctrl buffer.RawBuffer
	in   buffer.RawBuffer
	out  buffer.RawBuffer
}

func newRegion(t testing.TB) *region {
	t.Helper()
	im := buffer.NewImporter()
	t.Cleanup(func() { require.NoError(t, im.Close()) })

	mem := make([]byte, regionSize)
	buf, err := buffer.ImportBytes(im, mem)
	require.NoError(t, err)

	r := &region{im: im, mem: mem, buf: buf}
	r.carve(t)
	return r
}

func (r *region) carve(t testing.TB) {
	t.Helper()
	var err error
	r.ctrl, err = r.buf.Slice(controlBase, controlSize)
	require.NoError(t, err)
	r.in, err = r.buf.Slice(inboxBase, inboxSize)
	require.NoError(t, err)
	r.out, err = r.buf.Slice(outboxBase, outboxSize)
	require.NoError(t, err)
}

// signal bumps a control word under a short-lived writer handle.
func (r *region) signal(t testing.TB, idx uint64) {
	t.Helper()
	h, err := buffer.CreateHandle(r.buf, buffer.ReadWrite)
	require.NoError(t, err)
	defer h.Release()

	ctrl, err := buffer.NewView[int32](r.ctrl, h)
	require.NoError(t, err)
	v, err := ctrl.Get(idx)
	require.NoError(t, err)
	require.NoError(t, ctrl.Set(idx, v+1))
}

func (r *region) epoch(t testing.TB, idx uint64) int32 {
	t.Helper()
	h, err := buffer.CreateHandle(r.buf, buffer.ReadOnly)
	require.NoError(t, err)
	defer h.Release()

	ctrl, err := buffer.NewView[int32](r.ctrl, h)
	require.NoError(t, err)
	v, err := ctrl.Get(idx)
	require.NoError(t, err)
	return v
}

// post copies msg to the start of box.
func (r *region) post(t testing.TB, box buffer.RawBuffer, msg []byte) {
	t.Helper()
	src, err := buffer.ImportBytes(r.im, msg)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.im.Unwrap(src)) }()

	require.NoError(t, buffer.Copy(box, src, src.Len()))
}

// fetch copies n bytes from the start of box.
func (r *region) fetch(t testing.TB, box buffer.RawBuffer, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	dst, err := buffer.ImportBytes(r.im, out)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.im.Unwrap(dst)) }()

	require.NoError(t, buffer.Copy(dst, box, dst.Len()))
	return out
}
