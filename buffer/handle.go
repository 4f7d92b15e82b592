package buffer

import (
	"github.com/cockroachdb/errors"
)

// AccessMode is the access a SafetyHandle grants.
type AccessMode uint8

const (
	ReadOnly AccessMode = iota
	ReadWrite
)

func (m AccessMode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// SafetyHandle is a liveness and aliasing token bound to one buffer. It never
// owns the memory: releasing a handle frees nothing, and freeing the buffer
// makes the handle stale.
//
// Any number of ReadOnly handles may be alive at once, or a single ReadWrite
// handle. Conflicts are reported at creation; nothing blocks.
type SafetyHandle struct {
	buf      RawBuffer
	mode     AccessMode
	released bool
}

// CreateHandle binds a new handle to buf.
func CreateHandle(buf RawBuffer, mode AccessMode) (*SafetyHandle, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	rec := buf.rec
	if rec != nil {
		switch mode {
		case ReadWrite:
			if rec.writer || rec.readers > 0 {
				rec.meter.handleConflict()
				return nil, errors.Wrapf(ErrHandleConflict,
					"read-write handle requested with %d readers and writer=%t alive", rec.readers, rec.writer)
			}
			rec.writer = true
		case ReadOnly:
			if rec.writer {
				rec.meter.handleConflict()
				return nil, errors.Wrap(ErrHandleConflict, "read-only handle requested while a writer is alive")
			}
			rec.readers++
		default:
			return nil, errors.Newf("buffer: unknown access mode %d", mode)
		}
	}

	return &SafetyHandle{buf: buf, mode: mode}, nil
}

// Release gives up the handle. It is idempotent, and a no-op on a handle that
// already went stale.
func (h *SafetyHandle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true

	rec := h.buf.rec
	if rec == nil || !rec.live(h.buf.gen) {
		return
	}
	if h.mode == ReadWrite {
		rec.writer = false
	} else if rec.readers > 0 {
		rec.readers--
	}
}

// Validate returns ErrStaleHandle once the handle was released or the bound
// buffer's generation moved on.
func (h *SafetyHandle) Validate() error {
	if h == nil {
		return errors.Wrap(ErrStaleHandle, "nil handle")
	}
	if h.released {
		return errors.Wrap(ErrStaleHandle, "handle was released")
	}
	if !h.buf.Live() {
		h.buf.rec.meter.staleAccess()
		return errors.Wrapf(ErrStaleHandle, "%s buffer moved past generation %d", h.buf.rec.kind, h.buf.gen)
	}
	return nil
}

// Mode returns the access the handle grants.
func (h *SafetyHandle) Mode() AccessMode { return h.mode }

// Buffer returns the buffer the handle was created on.
func (h *SafetyHandle) Buffer() RawBuffer { return h.buf }

// Generation returns the generation the handle is bound to.
func (h *SafetyHandle) Generation() uint64 { return h.buf.gen }

// boundTo reports whether h guards memory of buf's allocation.
func (h *SafetyHandle) boundTo(buf RawBuffer) bool {
	return h.buf.rec == buf.rec && h.buf.gen == buf.gen
}
