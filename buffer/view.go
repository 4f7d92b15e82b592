package buffer

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// View is a strided, element-typed overlay of a RawBuffer. Every access
// validates the bound SafetyHandle and the index before touching memory.
//
// T must not contain pointers: the collector does not scan the memory a view
// points into.
type View[T any] struct {
	buf    RawBuffer
	handle *SafetyHandle
	count  uint64
}

// NewView overlays buf with elements of T, guarded by h.
func NewView[T any](buf RawBuffer, h *SafetyHandle) (View[T], error) {
	if err := checkElement[T](); err != nil {
		return View[T]{}, err
	}
	if err := h.Validate(); err != nil {
		return View[T]{}, err
	}
	if !h.boundTo(buf) {
		return View[T]{}, errors.Wrap(ErrHandleMismatch, "view handle was created on a different buffer")
	}

	stride := uint64(SizeOf[T]())
	if buf.Len()%stride != 0 {
		return View[T]{}, errors.Wrapf(ErrSizeMismatch, "%d bytes is not a multiple of the %d byte element", buf.Len(), stride)
	}
	if p := uintptr(buf.Pointer()); p%uintptr(AlignOf[T]()) != 0 {
		return View[T]{}, errors.Wrapf(ErrSizeMismatch, "address 0x%x is not aligned to %d", p, AlignOf[T]())
	}

	return View[T]{buf: buf, handle: h, count: buf.Len() / stride}, nil
}

// Len returns the number of elements.
func (v View[T]) Len() uint64 { return v.count }

// Handle returns the handle guarding the view.
func (v View[T]) Handle() *SafetyHandle { return v.handle }

// AsRawBuffer returns the viewed bytes, for reinterpretation through another
// NewView call.
func (v View[T]) AsRawBuffer() RawBuffer { return v.buf }

func (v View[T]) at(i uint64) *T {
	return (*T)(unsafe.Add(v.buf.rec.ptr, v.buf.off+i*uint64(SizeOf[T]())))
}

func (v View[T]) check(i uint64, write bool) error {
	if !checksEnabled {
		return nil
	}
	if err := v.handle.Validate(); err != nil {
		return err
	}
	if write && v.handle.mode != ReadWrite {
		return errors.Wrap(ErrReadOnlyHandle, "view set")
	}
	if i >= v.count {
		return errors.Wrapf(ErrOutOfBounds, "index %d of %d elements", i, v.count)
	}
	return nil
}

// Get returns element i.
func (v View[T]) Get(i uint64) (T, error) {
	if err := v.check(i, false); err != nil {
		var zero T
		return zero, err
	}
	return *v.at(i), nil
}

// Set stores x at element i.
func (v View[T]) Set(i uint64, x T) error {
	if err := v.check(i, true); err != nil {
		return err
	}
	*v.at(i) = x
	return nil
}

// Sub returns the view of count elements starting at start.
func (v View[T]) Sub(start, count uint64) (View[T], error) {
	if err := v.handle.Validate(); err != nil {
		return View[T]{}, err
	}
	if start > v.count || count > v.count-start {
		return View[T]{}, errors.Wrapf(ErrOutOfBounds, "sub-view [%d, %d) of %d elements", start, start+count, v.count)
	}
	stride := uint64(SizeOf[T]())
	buf, err := v.buf.Slice(start*stride, count*stride)
	if err != nil {
		return View[T]{}, err
	}
	return View[T]{buf: buf, handle: v.handle, count: count}, nil
}

// span exposes the elements as a Go slice for the duration of one call.
func (v View[T]) span() []T {
	if v.count == 0 {
		return nil
	}
	return unsafe.Slice(v.at(0), v.count)
}

// CopyTo copies the view into dst and returns the number of elements copied.
func (v View[T]) CopyTo(dst []T) (int, error) {
	if err := v.handle.Validate(); err != nil {
		return 0, err
	}
	return copy(dst, v.span()), nil
}

// CopyFrom copies src into the view and returns the number of elements
// copied.
func (v View[T]) CopyFrom(src []T) (int, error) {
	if err := v.writable(); err != nil {
		return 0, err
	}
	return copy(v.span(), src), nil
}

// Fill stores x in every element.
func (v View[T]) Fill(x T) error {
	if err := v.writable(); err != nil {
		return err
	}
	s := v.span()
	for i := range s {
		s[i] = x
	}
	return nil
}

func (v View[T]) writable() error {
	if err := v.handle.Validate(); err != nil {
		return err
	}
	if v.handle.mode != ReadWrite {
		return errors.Wrap(ErrReadOnlyHandle, "view write")
	}
	return nil
}
