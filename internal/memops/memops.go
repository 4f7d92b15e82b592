// Package memops implements raw memory block primitives over unsafe.Pointer.
// Callers are responsible for every bound: nothing here checks lengths,
// liveness or overlap.
package memops

import (
	"bytes"
	"unsafe"
)

func bytesAt(p unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// Copy copies n bytes from src to dst. The regions must not overlap.
func Copy(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 || dst == src {
		return
	}
	copy(bytesAt(dst, n), bytesAt(src, n))
}

// Move copies n bytes from src to dst; the regions may overlap.
func Move(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 || dst == src {
		return
	}
	// the builtin copy has memmove semantics
	copy(bytesAt(dst, n), bytesAt(src, n))
}

// Equal reports whether the n bytes at a and b are identical.
func Equal(a, b unsafe.Pointer, n uintptr) bool {
	if n == 0 || a == b {
		return true
	}
	return bytes.Equal(bytesAt(a, n), bytesAt(b, n))
}

// Zero fills n bytes at p with zeros.
func Zero(p unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	clear(bytesAt(p, n))
}

// Overlaps reports whether [a, a+an) and [b, b+bn) share any byte.
func Overlaps(a unsafe.Pointer, an uintptr, b unsafe.Pointer, bn uintptr) bool {
	if an == 0 || bn == 0 {
		return false
	}
	pa, pb := uintptr(a), uintptr(b)
	return pa < pb+bn && pb < pa+an
}
