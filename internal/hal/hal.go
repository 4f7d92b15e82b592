// Package hal provides the backing memory the allocators carve buffers out of.
// Implementations may be backed by the Go heap or by anonymous mmap.
package hal

import (
	"math"

	"github.com/cockroachdb/errors"
)

// PageSize is the granularity and alignment of every mapping.
const PageSize = 4096

// MaxMapSize is the largest mapping a provider hands out. It keeps sizes
// representable as a Go slice length and below the runtime's allocation
// ceiling on 64-bit platforms.
const MaxMapSize = min(1<<47, math.MaxInt-2*PageSize)

// Provider abstracts acquisition of page-aligned backing chunks.
type Provider interface {
	Name() string
	// Map returns a zeroed, page-aligned chunk of at least size bytes.
	Map(size uint64) ([]byte, error)
	// Unmap releases a chunk previously returned by Map.
	Unmap(chunk []byte) error
}

var (
	ErrZeroSize    = errors.New("hal: zero-sized mapping")
	ErrNotMapped   = errors.New("hal: chunk was not mapped by this provider")
	ErrUnsupported = errors.New("hal: backing not supported on this platform")
	ErrTooLarge    = errors.New("hal: mapping too large")
)

// RoundToPage rounds size up to a multiple of PageSize. ok is false when the
// result does not fit in a uint64.
func RoundToPage(size uint64) (rounded uint64, ok bool) {
	if size > math.MaxUint64-(PageSize-1) {
		return 0, false
	}
	return (size + PageSize - 1) &^ (PageSize - 1), true
}

// checkMapSize validates a requested mapping size and returns it rounded to
// whole pages.
func checkMapSize(size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}
	rounded, ok := RoundToPage(size)
	if !ok || rounded > MaxMapSize {
		return 0, errors.Wrapf(ErrTooLarge, "%d bytes exceeds the %d byte limit", size, uint64(MaxMapSize))
	}
	return rounded, nil
}

// New returns the provider registered under name ("heap" or "mmap").
func New(name string) (Provider, error) {
	switch name {
	case "", "heap":
		return NewHeapProvider(), nil
	case "mmap":
		return NewMmapProvider()
	default:
		return nil, errors.Newf("hal: unknown backing %q", name)
	}
}
