package buffer

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Kind is the lifetime policy a buffer was created under.
type Kind uint8

const (
	Transient Kind = iota
	FrameTemp
	Persistent
	External

	numKinds = 4
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case FrameTemp:
		return "frame_temp"
	case Persistent:
		return "persistent"
	case External:
		return "external"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record states. A record leaves stateLive exactly once.
const (
	stateLive uint32 = iota
	// stateFreed: released by an explicit Free or Unwrap.
	stateFreed
	// stateReclaimed: released by a scope pop, EndFrame or Close.
	stateReclaimed
)

// record is the shared bookkeeping behind every RawBuffer value minted for
// one allocation or import.
type record struct {
	ptr   unsafe.Pointer
	size  uint64
	align uint32
	kind  Kind
	owns  bool

	gen   atomic.Uint64
	state atomic.Uint32

	// live handles of the current generation
	readers int
	writer  bool

	owner any // *Allocator or *Importer
	place placement
	pinner *runtime.Pinner

	meter *metrics
}

func (r *record) live(gen uint64) bool {
	return r.state.Load() == stateLive && r.gen.Load() == gen
}

// invalidate makes every value, handle and view of the current generation
// stale. It does not change the record state.
func (r *record) invalidate() uint64 {
	r.readers = 0
	r.writer = false
	return r.gen.Add(1)
}

// retire invalidates the record and moves it out of stateLive.
func (r *record) retire(state uint32) {
	r.invalidate()
	r.state.Store(state)
}

func (r *record) mint() RawBuffer {
	return RawBuffer{rec: r, gen: r.gen.Load(), n: r.size}
}

// RawBuffer is an opaque, generation-stamped reference to a region of native
// memory. It is a small value and may be copied freely; every copy goes stale
// together when the region is freed, resized, re-imported or reclaimed.
//
// The zero RawBuffer is the canonical empty buffer.
type RawBuffer struct {
	rec *record
	gen uint64
	off uint64
	n   uint64
	sub bool
}

// Len returns the length in bytes.
func (b RawBuffer) Len() uint64 { return b.n }

// IsEmpty reports whether b has no bytes.
func (b RawBuffer) IsEmpty() bool { return b.n == 0 }

// Kind returns the lifetime policy of the underlying region. The zero buffer
// reports Persistent.
func (b RawBuffer) Kind() Kind {
	if b.rec == nil {
		return Persistent
	}
	return b.rec.kind
}

// Alignment returns the guaranteed alignment of Pointer.
func (b RawBuffer) Alignment() uint32 {
	if b.rec == nil {
		return defaultAlignment
	}
	align := b.rec.align
	// a sub-range is only as aligned as its offset allows
	for align > 1 && b.off%uint64(align) != 0 {
		align >>= 1
	}
	return align
}

// OwnsMemory reports whether the buffer is released with Allocator.Free
// rather than Importer.Unwrap.
func (b RawBuffer) OwnsMemory() bool {
	return b.rec == nil || b.rec.owns
}

// IsSlice reports whether b was produced by Slice.
func (b RawBuffer) IsSlice() bool { return b.sub }

// Generation returns the generation b was minted at.
func (b RawBuffer) Generation() uint64 { return b.gen }

// Live reports whether b still refers to valid memory.
func (b RawBuffer) Live() bool {
	return b.rec == nil || b.rec.live(b.gen)
}

// Validate returns ErrStaleHandle if b no longer refers to valid memory.
func (b RawBuffer) Validate() error {
	if b.Live() {
		return nil
	}
	return errors.Wrapf(ErrStaleHandle, "%s buffer at generation %d", b.rec.kind, b.gen)
}

// Pointer returns the address of the first byte, or nil for an empty or
// stale buffer.
func (b RawBuffer) Pointer() unsafe.Pointer {
	if b.n == 0 || !b.Live() {
		return nil
	}
	return unsafe.Add(b.rec.ptr, b.off)
}

// Bytes exposes the region as a byte slice. The slice is only valid while b
// is live; it is not tracked by generations.
func (b RawBuffer) Bytes() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(b.rec.ptr, b.off)), b.n), nil
}

// Slice returns the sub-range [off, off+n) of b. The result shares b's
// generation and cannot be freed on its own.
func (b RawBuffer) Slice(off, n uint64) (RawBuffer, error) {
	if err := b.Validate(); err != nil {
		return RawBuffer{}, err
	}
	if off > b.n || n > b.n-off {
		return RawBuffer{}, errors.Wrapf(ErrOutOfBounds, "slice [%d, %d) of %d bytes", off, off+n, b.n)
	}
	return RawBuffer{rec: b.rec, gen: b.gen, off: b.off + off, n: n, sub: true}, nil
}

// sameRecord reports whether a and b are views of the same allocation.
func (b RawBuffer) sameRecord(o RawBuffer) bool {
	return b.rec != nil && b.rec == o.rec
}

func (b RawBuffer) String() string {
	if b.rec == nil {
		return "RawBuffer(empty)"
	}
	return fmt.Sprintf("RawBuffer(%s, %d bytes, align %d, gen %d)", b.rec.kind, b.n, b.Alignment(), b.gen)
}
