package arena

import (
	"github.com/cockroachdb/errors"
)

// HybridAllocator coordinates Slab and Buddy allocators over one region.
// Routes allocations based on size: the first slabSize bytes hold slab pages,
// the remainder is managed by the buddy allocator.
type HybridAllocator struct {
	region []byte

	// Sub-allocators
	slab  *SlabAllocator
	buddy *BuddyAllocator

	// Statistics
	totalAllocated uint64
	totalFreed     uint64
	allocCount     uint64
	freeCount      uint64
}

func NewHybridAllocator(region []byte, slabSize uint32) (*HybridAllocator, error) {
	if slabSize%SLAB_PAGE_SIZE != 0 || slabSize == 0 {
		return nil, errors.Newf("arena: slab size %d must be a positive multiple of %d", slabSize, SLAB_PAGE_SIZE)
	}
	if uint64(len(region)) < uint64(slabSize)+MIN_BUDDY_SIZE {
		return nil, errors.Newf("arena: region of %d bytes cannot hold %d slab bytes and one buddy block", len(region), slabSize)
	}
	if uint64(len(region)) > 1<<32-MIN_BUDDY_SIZE {
		return nil, errors.Newf("arena: region of %d bytes exceeds 32-bit offsets", len(region))
	}

	buddySize := uint32(len(region)) - slabSize

	return &HybridAllocator{
		region: region,
		slab:   NewSlabAllocator(region, 0, slabSize),
		buddy:  NewBuddyAllocator(region, slabSize, buddySize),
	}, nil
}

// Allocate reserves size bytes aligned to align (relative to the region
// start) and returns the offset and the capacity of the reserved block.
func (ha *HybridAllocator) Allocate(size, align uint32) (uint32, uint32, error) {
	if size > MAX_BUDDY_SIZE {
		return 0, 0, errors.Wrapf(ErrTooLarge, "size %d exceeds hybrid maximum %d", size, MAX_BUDDY_SIZE)
	}
	if align > MIN_BUDDY_SIZE {
		return 0, 0, errors.Wrapf(ErrTooLarge, "alignment %d exceeds %d", align, MIN_BUDDY_SIZE)
	}

	var (
		offset, capacity uint32
		err              error
	)

	if size <= MAX_SLAB_OBJECT {
		offset, err = ha.slab.Allocate(size, align)
		if err == nil {
			capacity, _ = ha.slab.ObjectSize(offset)
		}
	}
	// Buddy serves mid-sized requests and tiny ones the slab cannot place
	if size > MAX_SLAB_OBJECT || err != nil {
		offset, capacity, err = ha.buddy.Allocate(size)
	}
	if err != nil {
		return 0, 0, err
	}

	ha.totalAllocated += uint64(capacity)
	ha.allocCount++

	return offset, capacity, nil
}

// Free frees memory at the given offset
func (ha *HybridAllocator) Free(offset uint32) error {
	var (
		capacity uint32
		err      error
	)

	switch {
	case ha.slab.Contains(offset):
		capacity, _ = ha.slab.ObjectSize(offset)
		err = ha.slab.Free(offset)
	case ha.buddy.Contains(offset):
		capacity = ha.buddy.BlockSize(offset)
		err = ha.buddy.Free(offset)
	default:
		return errors.Wrapf(ErrInvalidOffset, "offset %d outside region", offset)
	}

	if err == nil {
		ha.totalFreed += uint64(capacity)
		ha.freeCount++
	}

	return err
}

// Capacity returns the size of the block that holds offset.
func (ha *HybridAllocator) Capacity(offset uint32) uint32 {
	if ha.slab.Contains(offset) {
		size, _ := ha.slab.ObjectSize(offset)
		return size
	}
	if ha.buddy.Contains(offset) {
		return ha.buddy.BlockSize(offset)
	}
	return 0
}

// Region exposes the backing bytes the offsets refer to.
func (ha *HybridAllocator) Region() []byte {
	return ha.region
}

// Statistics

type HybridStats struct {
	TotalAllocated uint64
	TotalFreed     uint64
	AllocCount     uint64
	FreeCount      uint64

	SlabStats  []SlabStats
	BuddyStats BuddyStats

	OverallFragmentation float32
}

func (ha *HybridAllocator) GetStats() HybridStats {
	slabStats := ha.slab.GetStats()
	buddyStats := ha.buddy.GetStats()

	totalAllocated := uint64(0)
	totalCapacity := uint64(ha.slab.totalSize) + uint64(ha.buddy.totalSize)

	for _, s := range slabStats {
		totalAllocated += uint64(s.Allocated) * uint64(s.ObjectSize)
	}
	totalAllocated += uint64(buddyStats.Allocated)

	fragmentation := float32(0)
	if totalCapacity > 0 {
		utilization := float32(totalAllocated) / float32(totalCapacity)
		fragmentation = (1 - utilization) * 100
	}

	return HybridStats{
		TotalAllocated:       ha.totalAllocated,
		TotalFreed:           ha.totalFreed,
		AllocCount:           ha.allocCount,
		FreeCount:            ha.freeCount,
		SlabStats:            slabStats,
		BuddyStats:           buddyStats,
		OverallFragmentation: fragmentation,
	}
}

// FreeCache frees cached memory (for OOM recovery)
func (ha *HybridAllocator) FreeCache() uint32 {
	return ha.slab.FreeEmptySlabs()
}
