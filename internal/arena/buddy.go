package arena

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
)

// Buddy allocator for large blocks (4KB-1MB)
// Uses power-of-2 block sizes with automatic coalescing

const (
	MIN_BUDDY_SIZE   = 4096        // 4KB
	MAX_BUDDY_SIZE   = 1024 * 1024 // 1MB
	NUM_BUDDY_LEVELS = 9           // 4KB to 1MB
)

// noBlock terminates the intrusive free lists.
const noBlock = ^uint32(0)

type BuddyAllocator struct {
	region     []byte
	baseOffset uint32
	totalSize  uint32

	// Free lists for each level (0=4KB, 1=8KB, ..., 8=1MB)
	freeLists [NUM_BUDDY_LEVELS]uint32

	// Allocation bitmap (1 bit per 4KB block)
	bitmap *bitset.BitSet

	// Level tracking (1 byte per 4KB block)
	blockLevels []uint8
}

func NewBuddyAllocator(region []byte, baseOffset, totalSize uint32) *BuddyAllocator {
	numBlocks := totalSize / MIN_BUDDY_SIZE

	ba := &BuddyAllocator{
		region:      region,
		baseOffset:  baseOffset,
		totalSize:   numBlocks * MIN_BUDDY_SIZE,
		bitmap:      bitset.New(uint(numBlocks)),
		blockLevels: make([]uint8, numBlocks),
	}
	for i := range ba.freeLists {
		ba.freeLists[i] = noBlock
	}

	// Initialize free lists with largest possible blocks
	remaining := ba.totalSize
	currentOffset := baseOffset

	for remaining >= MIN_BUDDY_SIZE {
		for level := NUM_BUDDY_LEVELS - 1; level >= 0; level-- {
			size := ba.levelToSize(level)
			// Blocks must sit on their own size boundary for buddy math to hold
			if size <= remaining && (currentOffset-baseOffset)%size == 0 {
				ba.addToFreeList(currentOffset, level)
				currentOffset += size
				remaining -= size
				break
			}
		}
	}

	return ba
}

// Allocate allocates a block of at least the given size and returns its
// offset and the block size actually reserved.
func (ba *BuddyAllocator) Allocate(size uint32) (uint32, uint32, error) {
	if size > MAX_BUDDY_SIZE {
		return 0, 0, errors.Wrapf(ErrTooLarge, "size %d too large for buddy allocator", size)
	}
	if size < MIN_BUDDY_SIZE {
		size = MIN_BUDDY_SIZE
	}

	level := ba.sizeToLevel(size)
	offset := ba.findFreeBlock(level)

	if offset == noBlock {
		return 0, 0, errors.Wrapf(ErrOutOfMemory, "no free buddy block of %d bytes", ba.levelToSize(level))
	}

	ba.markAllocated(offset, level)
	return offset, ba.levelToSize(level), nil
}

// Free frees a block at the given offset
func (ba *BuddyAllocator) Free(offset uint32) error {
	if !ba.Contains(offset) || (offset-ba.baseOffset)%MIN_BUDDY_SIZE != 0 {
		return errors.Wrapf(ErrInvalidOffset, "offset %d", offset)
	}
	if !ba.bitmap.Test(uint((offset - ba.baseOffset) / MIN_BUDDY_SIZE)) {
		return errors.Wrapf(ErrDoubleFree, "buddy block at offset %d", offset)
	}

	level := ba.getBlockLevel(offset)
	ba.markFree(offset, level)
	ba.coalesce(offset, level)

	return nil
}

// BlockSize returns the size of the allocated block at offset.
func (ba *BuddyAllocator) BlockSize(offset uint32) uint32 {
	return ba.levelToSize(ba.getBlockLevel(offset))
}

// Contains reports whether offset lies in the buddy area.
func (ba *BuddyAllocator) Contains(offset uint32) bool {
	return offset >= ba.baseOffset && offset < ba.baseOffset+ba.totalSize
}

// Helper: Convert size to level
func (ba *BuddyAllocator) sizeToLevel(size uint32) int {
	level := 0
	blockSize := uint32(MIN_BUDDY_SIZE)

	for blockSize < size && level < NUM_BUDDY_LEVELS-1 {
		blockSize *= 2
		level++
	}

	return level
}

// Helper: Convert level to size
func (ba *BuddyAllocator) levelToSize(level int) uint32 {
	return MIN_BUDDY_SIZE << uint(level)
}

// Helper: Find free block at level or split larger block
func (ba *BuddyAllocator) findFreeBlock(level int) uint32 {
	if ba.freeLists[level] != noBlock {
		offset := ba.freeLists[level]
		ba.freeLists[level] = ba.getNextFree(offset)
		return offset
	}

	// Try to split a larger block
	for l := level + 1; l < NUM_BUDDY_LEVELS; l++ {
		if ba.freeLists[l] != noBlock {
			return ba.splitBlock(l, level)
		}
	}

	return noBlock
}

// Helper: Split block from higher level to target level
func (ba *BuddyAllocator) splitBlock(fromLevel, toLevel int) uint32 {
	offset := ba.freeLists[fromLevel]
	ba.freeLists[fromLevel] = ba.getNextFree(offset)

	// Split down to target level, handing upper halves to the free lists
	for level := fromLevel - 1; level >= toLevel; level-- {
		ba.addToFreeList(offset+ba.levelToSize(level), level)
	}

	return offset
}

// Helper: Coalesce with buddy
func (ba *BuddyAllocator) coalesce(offset uint32, level int) {
	for level < NUM_BUDDY_LEVELS-1 {
		blockSize := ba.levelToSize(level)
		relOffset := offset - ba.baseOffset
		buddyOffset := ba.baseOffset + (relOffset ^ blockSize)

		if !ba.isFree(buddyOffset, level) {
			break
		}
		// Free but not listed at this level: it belongs to a larger block.
		if !ba.removeFromFreeList(buddyOffset, level) {
			break
		}

		if buddyOffset < offset {
			offset = buddyOffset
		}
		level++
	}

	ba.addToFreeList(offset, level)
}

// Helper: Check if block is free
func (ba *BuddyAllocator) isFree(offset uint32, level int) bool {
	numBlocks := ba.levelToSize(level) / MIN_BUDDY_SIZE
	blockIndex := (offset - ba.baseOffset) / MIN_BUDDY_SIZE

	if blockIndex+numBlocks > ba.totalSize/MIN_BUDDY_SIZE {
		return false
	}

	for i := uint32(0); i < numBlocks; i++ {
		if ba.bitmap.Test(uint(blockIndex + i)) {
			return false
		}
	}
	return true
}

// Helper: Mark block as allocated
func (ba *BuddyAllocator) markAllocated(offset uint32, level int) {
	numBlocks := ba.levelToSize(level) / MIN_BUDDY_SIZE
	blockIndex := (offset - ba.baseOffset) / MIN_BUDDY_SIZE

	for i := uint32(0); i < numBlocks; i++ {
		ba.bitmap.Set(uint(blockIndex + i))
		ba.blockLevels[blockIndex+i] = uint8(level)
	}
}

// Helper: Mark block as free
func (ba *BuddyAllocator) markFree(offset uint32, level int) {
	numBlocks := ba.levelToSize(level) / MIN_BUDDY_SIZE
	blockIndex := (offset - ba.baseOffset) / MIN_BUDDY_SIZE

	for i := uint32(0); i < numBlocks; i++ {
		ba.bitmap.Clear(uint(blockIndex + i))
	}
}

// Helper: Add block to free list
func (ba *BuddyAllocator) addToFreeList(offset uint32, level int) {
	nextOffset := ba.freeLists[level]
	if nextOffset == offset {
		panic(fmt.Sprintf("arena: free list cycle at offset %d level %d", offset, level))
	}
	ba.writeU32(offset, nextOffset)
	ba.freeLists[level] = offset
}

// Helper: Remove block from free list
func (ba *BuddyAllocator) removeFromFreeList(offset uint32, level int) bool {
	if ba.freeLists[level] == offset {
		ba.freeLists[level] = ba.getNextFree(offset)
		return true
	}

	// Walk free list to find predecessor
	current := ba.freeLists[level]
	for current != noBlock {
		next := ba.getNextFree(current)
		if next == offset {
			ba.writeU32(current, ba.getNextFree(offset))
			return true
		}
		current = next
	}
	return false
}

// Helper: Get next free block link stored in the block itself
func (ba *BuddyAllocator) getNextFree(offset uint32) uint32 {
	if offset == noBlock || !ba.Contains(offset) {
		return noBlock
	}
	return binary.LittleEndian.Uint32(ba.region[offset : offset+4])
}

// Helper: Write link into region
func (ba *BuddyAllocator) writeU32(offset, value uint32) {
	binary.LittleEndian.PutUint32(ba.region[offset:offset+4], value)
}

// Helper: Get block level from offset
func (ba *BuddyAllocator) getBlockLevel(offset uint32) int {
	return int(ba.blockLevels[(offset-ba.baseOffset)/MIN_BUDDY_SIZE])
}

// Statistics

type BuddyStats struct {
	TotalSize     uint32
	Allocated     uint32
	Free          uint32
	Fragmentation float32
	LevelStats    [NUM_BUDDY_LEVELS]LevelStats
}

type LevelStats struct {
	Level      int
	BlockSize  uint32
	FreeBlocks int
}

func (ba *BuddyAllocator) GetStats() BuddyStats {
	stats := BuddyStats{
		TotalSize: ba.totalSize,
	}

	stats.Allocated = uint32(ba.bitmap.Count()) * MIN_BUDDY_SIZE
	stats.Free = ba.totalSize - stats.Allocated

	totalFreeBlocks := 0
	for level := 0; level < NUM_BUDDY_LEVELS; level++ {
		count := 0
		for offset := ba.freeLists[level]; offset != noBlock; offset = ba.getNextFree(offset) {
			count++
			if count > int(ba.totalSize/MIN_BUDDY_SIZE) {
				panic("arena: buddy free list does not terminate")
			}
		}
		stats.LevelStats[level] = LevelStats{
			Level:      level,
			BlockSize:  ba.levelToSize(level),
			FreeBlocks: count,
		}
		totalFreeBlocks += count
	}

	// Fragmentation = (free blocks - 1) / free min-blocks
	if stats.Free > 0 && totalFreeBlocks > 1 {
		stats.Fragmentation = float32(totalFreeBlocks-1) / float32(stats.Free/MIN_BUDDY_SIZE) * 100
	}

	return stats
}
