// Package capnparena provides a Cap'n Proto arena whose segments are
// Persistent buffers from a buffer.Allocator.
package capnparena

import (
	"github.com/cockroachdb/errors"
	capnp "zombiezen.com/go/capnproto2"

	"github.com/nmxmxh/nativebuf/buffer"
)

const (
	wordSize       = 8
	minSegmentSize = 4096
	maxSegmentSize = 1 << 20
)

// Arena implements capnp.Arena. Segments grow geometrically and are never
// moved, so messages built on it reference allocator memory directly until
// Release.
type Arena struct {
	alloc *buffer.Allocator
	bufs  []buffer.RawBuffer
	segs  [][]byte
}

var _ capnp.Arena = (*Arena)(nil)

// New returns an empty arena drawing from alloc.
func New(alloc *buffer.Allocator) *Arena {
	return &Arena{alloc: alloc}
}

// NumSegments returns the number of segments allocated so far.
func (a *Arena) NumSegments() int64 {
	return int64(len(a.segs))
}

// Data returns the bytes of segment id.
func (a *Arena) Data(id capnp.SegmentID) ([]byte, error) {
	if int64(id) >= int64(len(a.segs)) {
		return nil, errors.Newf("capnparena: segment %d out of bounds", id)
	}
	if err := a.bufs[id].Validate(); err != nil {
		return nil, errors.Wrapf(err, "capnparena: segment %d", id)
	}
	return a.segs[id], nil
}

// Allocate returns a segment with room for at least minsz more bytes,
// reusing an existing segment when one has the space.
func (a *Arena) Allocate(minsz capnp.Size, segs map[capnp.SegmentID]*capnp.Segment) (capnp.SegmentID, []byte, error) {
	var last uint64
	for i, data := range a.segs {
		id := capnp.SegmentID(i)
		if s := segs[id]; s != nil {
			data = s.Data()
		}
		if cap(data)-len(data) >= int(minsz) {
			return id, data, nil
		}
		last = uint64(cap(data))
	}

	size := max(roundUp(uint64(minsz)), min(2*last, maxSegmentSize), minSegmentSize)
	buf, err := a.alloc.Allocate(size, wordSize, buffer.Persistent)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "capnparena: segment of %d bytes", size)
	}
	// capnp expects fresh segment space to read as zero
	if err := buffer.Clear(buf, buf.Len()); err != nil {
		return 0, nil, errors.CombineErrors(err, a.alloc.Free(buf))
	}
	data, err := buf.Bytes()
	if err != nil {
		return 0, nil, err
	}

	id := capnp.SegmentID(len(a.segs))
	a.bufs = append(a.bufs, buf)
	a.segs = append(a.segs, data[:0])
	return id, data[:0], nil
}

// Buffers returns the buffers backing each segment.
func (a *Arena) Buffers() []buffer.RawBuffer {
	return a.bufs
}

// Release frees every segment. Messages built on the arena must not be used
// afterwards.
func (a *Arena) Release() error {
	var errs error
	for _, buf := range a.bufs {
		errs = errors.CombineErrors(errs, a.alloc.Free(buf))
	}
	a.bufs = nil
	a.segs = nil
	return errs
}

func roundUp(n uint64) uint64 {
	return (n + wordSize - 1) &^ (wordSize - 1)
}
