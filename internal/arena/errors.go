// Package arena implements the sub-allocators that carve buffers out of
// backing regions: a slab allocator for tiny objects, a buddy allocator for
// page-sized blocks, the hybrid router over both, and a bump arena with
// mark/rewind for scoped lifetimes.
//
// None of the allocators are safe for concurrent use.
package arena

import "github.com/cockroachdb/errors"

var (
	ErrOutOfMemory   = errors.New("arena: out of memory")
	ErrTooLarge      = errors.New("arena: request too large")
	ErrInvalidOffset = errors.New("arena: invalid offset")
	ErrDoubleFree    = errors.New("arena: block already free")
)
