// Package buffer is a safe-boundary layer over native memory.
//
// An Allocator hands out RawBuffers under three lifetime policies:
// Transient buffers live until the enclosing Scope is popped, FrameTemp
// buffers live until EndFrame, and Persistent buffers live until Free. An
// Importer wraps memory owned by someone else (a pinned Go slice, a
// WebAssembly linear memory) as a non-owning RawBuffer.
//
// Every RawBuffer carries the generation of the record it was minted from.
// Freeing, resizing, re-importing or ending a scope bumps that generation, so
// copies of the old value, SafetyHandles created on it and Views built on it
// all fail with ErrStaleHandle instead of touching reclaimed memory.
//
// A View[T] overlays a RawBuffer with elements of a pointer-free type T and
// checks bounds and handle liveness on every access. The bulk operations
// Copy, Move, Compare and Clear work on raw bytes.
//
// Building with the nativebuf_unchecked tag compiles out the per-access
// bounds, overlap and liveness checks of views and bulk operations. The
// allocator and handle bookkeeping stay checked.
//
// Nothing in this package is safe for concurrent use unless stated
// otherwise: callers serialize access to an Allocator, an Importer and the
// buffers they produce.
package buffer
