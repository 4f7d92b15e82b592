package arena

import (
	"github.com/cockroachdb/errors"

	"github.com/nmxmxh/nativebuf/internal/hal"
)

// ChunkSource supplies the chunks a BumpArena grows into.
type ChunkSource interface {
	Map(size uint64) ([]byte, error)
	Unmap(chunk []byte) error
}

// BumpArena is a chunked bump allocator with stack-style marks. Memory is
// handed out sequentially; Rewind returns everything allocated after a mark
// in O(chunks) and Reset returns everything. Chunks are kept for reuse until
// Release.
type BumpArena struct {
	source    ChunkSource
	chunkSize uint64

	chunks []bumpChunk
	cur    int
	peak   uint64
}

type bumpChunk struct {
	mem  []byte
	used uint64
}

// maxChunkSize is the largest page multiple a source will map.
const maxChunkSize = hal.MaxMapSize &^ (hal.PageSize - 1)

// Mark records an arena position to rewind to.
type Mark struct {
	chunk int
	used  uint64
}

func NewBumpArena(source ChunkSource, chunkSize uint64) *BumpArena {
	if chunkSize == 0 {
		chunkSize = 64 * 1024
	}
	chunkSize, _ = hal.RoundToPage(min(chunkSize, maxChunkSize))
	return &BumpArena{
		source:    source,
		chunkSize: chunkSize,
	}
}

// Alloc returns size bytes aligned to align. The returned slice has its
// capacity clipped to size.
func (b *BumpArena) Alloc(size, align uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if align == 0 {
		align = 1
	}
	if align > hal.PageSize {
		return nil, errors.Wrapf(ErrTooLarge, "alignment %d exceeds page size", align)
	}
	if size > maxChunkSize {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes exceeds the %d byte chunk limit", size, uint64(maxChunkSize))
	}

	for b.cur < len(b.chunks) {
		c := &b.chunks[b.cur]
		off := alignUp(c.used, align)
		if off <= uint64(len(c.mem)) && size <= uint64(len(c.mem))-off {
			c.used = off + size
			b.trackPeak()
			return c.mem[off : off+size : off+size], nil
		}
		if b.cur+1 == len(b.chunks) {
			break
		}
		b.cur++
	}

	mem, err := b.source.Map(max(b.chunkSize, size))
	if err != nil {
		return nil, errors.WithSecondaryError(
			errors.Wrapf(ErrOutOfMemory, "bump arena grow by %d bytes", max(b.chunkSize, size)), err)
	}
	b.chunks = append(b.chunks, bumpChunk{mem: mem, used: size})
	b.cur = len(b.chunks) - 1
	b.trackPeak()

	return mem[:size:size], nil
}

// Mark returns the current position.
func (b *BumpArena) Mark() Mark {
	if len(b.chunks) == 0 {
		return Mark{}
	}
	return Mark{chunk: b.cur, used: b.chunks[b.cur].used}
}

// Rewind releases everything allocated after m.
func (b *BumpArena) Rewind(m Mark) {
	if len(b.chunks) == 0 {
		return
	}
	for i := m.chunk + 1; i < len(b.chunks); i++ {
		b.chunks[i].used = 0
	}
	b.chunks[m.chunk].used = m.used
	b.cur = m.chunk
}

// Reset releases every allocation but keeps the chunks.
func (b *BumpArena) Reset() {
	b.Rewind(Mark{})
}

// Release hands every chunk back to the source.
func (b *BumpArena) Release() error {
	var errs error
	for _, c := range b.chunks {
		if err := b.source.Unmap(c.mem); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	b.chunks = nil
	b.cur = 0
	return errs
}

// Len returns the bytes currently allocated.
func (b *BumpArena) Len() uint64 {
	var n uint64
	for _, c := range b.chunks {
		n += c.used
	}
	return n
}

// Cap returns the bytes held in chunks.
func (b *BumpArena) Cap() uint64 {
	var n uint64
	for _, c := range b.chunks {
		n += uint64(len(c.mem))
	}
	return n
}

// Peak returns the high-water mark of Len; Reset does not lower it.
func (b *BumpArena) Peak() uint64 {
	return b.peak
}

func (b *BumpArena) trackPeak() {
	if n := b.Len(); n > b.peak {
		b.peak = n
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
