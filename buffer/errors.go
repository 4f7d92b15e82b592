package buffer

import "github.com/cockroachdb/errors"

var (
	// ErrAllocationFailure is returned when backing memory cannot be obtained.
	// It is the only retryable error.
	ErrAllocationFailure = errors.New("buffer: allocation failure")
	// ErrAlignmentViolation is returned for non power-of-two or oversized
	// alignments and for misaligned imported pointers.
	ErrAlignmentViolation = errors.New("buffer: alignment violation")
	// ErrSizeMismatch is returned when a buffer cannot hold a whole number of
	// aligned elements.
	ErrSizeMismatch = errors.New("buffer: size mismatch")
	ErrOutOfBounds  = errors.New("buffer: out of bounds")
	// ErrStaleHandle is returned for accesses through a handle, view or
	// buffer value whose generation is no longer current.
	ErrStaleHandle       = errors.New("buffer: stale handle")
	ErrHandleConflict    = errors.New("buffer: handle conflict")
	ErrDoubleFree        = errors.New("buffer: double free")
	ErrInvalidFreeTarget = errors.New("buffer: invalid free target")

	ErrOverlap            = errors.New("buffer: overlapping copy")
	ErrReadOnlyHandle     = errors.New("buffer: write through read-only handle")
	ErrHandleMismatch     = errors.New("buffer: handle bound to a different buffer")
	ErrUnsupportedElement = errors.New("buffer: unsupported element type")
	ErrImportOverlap      = errors.New("buffer: import overlaps a live import")
)

// IsRetryable reports whether the operation that produced err may succeed if
// retried later, for example once a scope is popped or the large allocation
// breaker closes again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAllocationFailure)
}
