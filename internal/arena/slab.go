package arena

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
)

// Slab allocator for tiny objects (8B-256B)
// Uses fixed-size object pages with bitmap tracking

const (
	SLAB_PAGE_SIZE   = 4096 // 4KB per slab page
	NUM_SIZE_CLASSES = 10
	MAX_SLAB_OBJECT  = 256

	// Size classes
	SIZE_8   = 0
	SIZE_16  = 1
	SIZE_24  = 2
	SIZE_32  = 3
	SIZE_48  = 4
	SIZE_64  = 5
	SIZE_96  = 6
	SIZE_128 = 7
	SIZE_192 = 8
	SIZE_256 = 9
)

var sizeClassSizes = [NUM_SIZE_CLASSES]uint32{8, 16, 24, 32, 48, 64, 96, 128, 192, 256}

type SlabAllocator struct {
	region     []byte
	baseOffset uint32
	totalSize  uint32

	// One cache per size class
	caches [NUM_SIZE_CLASSES]*SlabCache

	// Page bookkeeping shared by all caches
	nextPage  uint32
	freePages []uint32
	owners    []*SlabPage
}

type SlabCache struct {
	sizeClass  int
	objectSize uint32
	slabs      []*SlabPage

	// Statistics
	allocated uint32
	capacity  uint32
}

type SlabPage struct {
	offset     uint32 // Offset in region
	cache      *SlabCache
	freeCount  uint16
	totalCount uint16
	used       *bitset.BitSet // 1 = object handed out
}

func NewSlabAllocator(region []byte, baseOffset, totalSize uint32) *SlabAllocator {
	sa := &SlabAllocator{
		region:     region,
		baseOffset: baseOffset,
		totalSize:  totalSize,
		owners:     make([]*SlabPage, totalSize/SLAB_PAGE_SIZE),
	}

	// Initialize caches for each size class
	for i := 0; i < NUM_SIZE_CLASSES; i++ {
		sa.caches[i] = &SlabCache{
			sizeClass:  i,
			objectSize: sizeClassSizes[i],
			slabs:      make([]*SlabPage, 0, 16),
		}
	}

	return sa
}

// Allocate allocates an object of the given size whose offset is a multiple
// of align relative to the region start.
func (sa *SlabAllocator) Allocate(size, align uint32) (uint32, error) {
	sizeClass, ok := sa.getSizeClass(size, align)
	if !ok {
		return 0, errors.Wrapf(ErrTooLarge, "size %d align %d too large for slab allocator", size, align)
	}

	return sa.caches[sizeClass].allocate(sa)
}

// Free frees an object at the given offset
func (sa *SlabAllocator) Free(offset uint32) error {
	slab := sa.findSlab(offset)
	if slab == nil {
		return errors.Wrapf(ErrInvalidOffset, "offset %d not in a slab page", offset)
	}

	return slab.cache.free(slab, offset)
}

// ObjectSize returns the size class backing the object at offset.
func (sa *SlabAllocator) ObjectSize(offset uint32) (uint32, bool) {
	slab := sa.findSlab(offset)
	if slab == nil {
		return 0, false
	}
	return slab.cache.objectSize, true
}

// Contains reports whether offset lies in the slab area.
func (sa *SlabAllocator) Contains(offset uint32) bool {
	return offset >= sa.baseOffset && offset < sa.baseOffset+sa.totalSize
}

// Helper: Get size class for requested size. The class must be a multiple of
// align so every object in a page keeps the alignment.
func (sa *SlabAllocator) getSizeClass(size, align uint32) (int, bool) {
	if align == 0 {
		align = 1
	}
	for i, classSize := range sizeClassSizes {
		if size <= classSize && classSize%align == 0 {
			return i, true
		}
	}
	return 0, false
}

// Helper: Find slab page containing offset
func (sa *SlabAllocator) findSlab(offset uint32) *SlabPage {
	if !sa.Contains(offset) {
		return nil
	}
	return sa.owners[(offset-sa.baseOffset)/SLAB_PAGE_SIZE]
}

// Helper: hand out a page, preferring recycled ones
func (sa *SlabAllocator) takePage() (uint32, error) {
	if n := len(sa.freePages); n > 0 {
		offset := sa.freePages[n-1]
		sa.freePages = sa.freePages[:n-1]
		return offset, nil
	}
	if (sa.nextPage+1)*SLAB_PAGE_SIZE > sa.totalSize {
		return 0, errors.Wrap(ErrOutOfMemory, "slab allocator out of pages")
	}
	offset := sa.baseOffset + sa.nextPage*SLAB_PAGE_SIZE
	sa.nextPage++
	return offset, nil
}

// SlabCache methods

func (sc *SlabCache) allocate(sa *SlabAllocator) (uint32, error) {
	// Find slab with free objects
	for _, slab := range sc.slabs {
		if slab.freeCount > 0 {
			return sc.allocateFromSlab(slab)
		}
	}

	// Need new slab page
	slab, err := sc.allocateNewSlab(sa)
	if err != nil {
		return 0, err
	}

	return sc.allocateFromSlab(slab)
}

func (sc *SlabCache) allocateFromSlab(slab *SlabPage) (uint32, error) {
	i, ok := slab.used.NextClear(0)
	if !ok || i >= uint(slab.totalCount) {
		return 0, errors.AssertionFailedf("slab page at %d reports %d free objects but has none", slab.offset, slab.freeCount)
	}

	slab.used.Set(i)
	slab.freeCount--
	sc.allocated++

	return slab.offset + uint32(i)*sc.objectSize, nil
}

func (sc *SlabCache) allocateNewSlab(sa *SlabAllocator) (*SlabPage, error) {
	offset, err := sa.takePage()
	if err != nil {
		return nil, err
	}

	objectsPerPage := uint16(SLAB_PAGE_SIZE / sc.objectSize)
	slab := &SlabPage{
		offset:     offset,
		cache:      sc,
		freeCount:  objectsPerPage,
		totalCount: objectsPerPage,
		used:       bitset.New(uint(objectsPerPage)),
	}

	sa.owners[(offset-sa.baseOffset)/SLAB_PAGE_SIZE] = slab
	sc.slabs = append(sc.slabs, slab)
	sc.capacity += uint32(objectsPerPage)

	return slab, nil
}

func (sc *SlabCache) free(slab *SlabPage, offset uint32) error {
	// Calculate object index within slab
	relativeOffset := offset - slab.offset
	if relativeOffset%sc.objectSize != 0 {
		return errors.Wrapf(ErrInvalidOffset, "offset %d is not on a %d-byte object boundary", offset, sc.objectSize)
	}

	objectIndex := uint(relativeOffset / sc.objectSize)
	if objectIndex >= uint(slab.totalCount) {
		return errors.Wrapf(ErrInvalidOffset, "object index %d out of range", objectIndex)
	}

	if !slab.used.Test(objectIndex) {
		return errors.Wrapf(ErrDoubleFree, "slab object at offset %d", offset)
	}

	slab.used.Clear(objectIndex)
	slab.freeCount++
	sc.allocated--

	return nil
}

// Statistics

type SlabStats struct {
	SizeClass   int
	ObjectSize  uint32
	Allocated   uint32
	Capacity    uint32
	SlabCount   int
	Utilization float32
}

func (sa *SlabAllocator) GetStats() []SlabStats {
	stats := make([]SlabStats, NUM_SIZE_CLASSES)

	for i, cache := range sa.caches {
		utilization := float32(0)
		if cache.capacity > 0 {
			utilization = float32(cache.allocated) / float32(cache.capacity) * 100
		}

		stats[i] = SlabStats{
			SizeClass:   i,
			ObjectSize:  cache.objectSize,
			Allocated:   cache.allocated,
			Capacity:    cache.capacity,
			SlabCount:   len(cache.slabs),
			Utilization: utilization,
		}
	}

	return stats
}

// FreeEmptySlabs returns completely empty pages to the shared page pool and
// reports how many bytes were reclaimed.
func (sa *SlabAllocator) FreeEmptySlabs() uint32 {
	freed := uint32(0)

	for _, cache := range sa.caches {
		kept := make([]*SlabPage, 0, len(cache.slabs))
		for _, slab := range cache.slabs {
			if slab.freeCount < slab.totalCount {
				kept = append(kept, slab)
				continue
			}
			freed += SLAB_PAGE_SIZE
			cache.capacity -= uint32(slab.totalCount)
			sa.owners[(slab.offset-sa.baseOffset)/SLAB_PAGE_SIZE] = nil
			sa.freePages = append(sa.freePages, slab.offset)
		}
		cache.slabs = kept
	}

	return freed
}
