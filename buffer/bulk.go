package buffer

import (
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/nmxmxh/nativebuf/internal/memops"
)

// Comparison is the result of Compare.
type Comparison uint8

const (
	Equal Comparison = iota
	NotEqual
)

func (c Comparison) String() string {
	if c == Equal {
		return "equal"
	}
	return "not-equal"
}

// checkSpan validates that buf is live and holds at least n bytes.
func checkSpan(op, arg string, buf RawBuffer, n uint64) error {
	if !checksEnabled {
		return nil
	}
	if err := buf.Validate(); err != nil {
		if buf.rec != nil {
			buf.rec.meter.staleAccess()
		}
		return errors.Wrapf(err, "%s %s", op, arg)
	}
	if n > buf.Len() {
		return errors.Wrapf(ErrOutOfBounds, "%s %s: %d bytes requested, %d available", op, arg, n, buf.Len())
	}
	return nil
}

func base(buf RawBuffer) unsafe.Pointer {
	if buf.rec == nil {
		return nil
	}
	return unsafe.Add(buf.rec.ptr, buf.off)
}

// Copy copies the first n bytes of src into dst. The ranges must not
// overlap: overlapping ranges are rejected with ErrOverlap, or give an
// unspecified result when built with nativebuf_unchecked. Use Move for
// overlapping ranges.
//
// Bulk operations check bounds and liveness only. They do not consult
// SafetyHandles, so a caller holding a ReadOnly view can still write through
// its AsRawBuffer; keeping writes behind a ReadWrite handle is up to the
// caller.
func Copy(dst, src RawBuffer, n uint64) error {
	if err := checkSpan("copy", "dst", dst, n); err != nil {
		return err
	}
	if err := checkSpan("copy", "src", src, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	d, s := base(dst), base(src)
	if checksEnabled && memops.Overlaps(d, uintptr(n), s, uintptr(n)) {
		return errors.Wrapf(ErrOverlap, "copy of %d bytes between overlapping ranges", n)
	}
	memops.Copy(d, s, uintptr(n))
	return nil
}

// Move copies the first n bytes of src into dst. The ranges may overlap,
// including two slices of the same buffer. Like Copy it ignores handles.
func Move(dst, src RawBuffer, n uint64) error {
	if err := checkSpan("move", "dst", dst, n); err != nil {
		return err
	}
	if err := checkSpan("move", "src", src, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	memops.Move(base(dst), base(src), uintptr(n))
	return nil
}

// Compare reports whether the first n bytes of a and b are identical.
func Compare(a, b RawBuffer, n uint64) (Comparison, error) {
	if err := checkSpan("compare", "a", a, n); err != nil {
		return NotEqual, err
	}
	if err := checkSpan("compare", "b", b, n); err != nil {
		return NotEqual, err
	}
	if n == 0 || memops.Equal(base(a), base(b), uintptr(n)) {
		return Equal, nil
	}
	return NotEqual, nil
}

// Clear zero-fills the first n bytes of buf. It does not change the buffer's
// generation, and like Copy it writes regardless of the handles alive on buf.
func Clear(buf RawBuffer, n uint64) error {
	if err := checkSpan("clear", "buf", buf, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	memops.Zero(base(buf), uintptr(n))
	return nil
}
