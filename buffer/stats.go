package buffer

import "github.com/nmxmxh/nativebuf/internal/arena"

// KindStats counts the buffers of one lifetime policy.
type KindStats struct {
	Live       int
	BytesInUse uint64
	Created    uint64
	Released   uint64
	Failures   uint64
}

// SlabClassStats describes one slab size class of the pooled region.
type SlabClassStats struct {
	ObjectSize uint32
	Allocated  uint32
	Capacity   uint32
	Pages      int
}

// Stats is a point-in-time snapshot of an Allocator.
type Stats struct {
	// Kinds is indexed by Kind.
	Kinds [numKinds]KindStats

	ScopeDepth      int
	ScopeArenaBytes uint64
	ScopeArenaPeak  uint64
	FrameArenaBytes uint64
	FrameArenaPeak  uint64

	SlabClasses       []SlabClassStats
	BuddyFreeBytes    uint64
	PoolFragmentation float32
	DedicatedMappings int

	BreakerState string
}

// Stats returns a snapshot of the allocator's bookkeeping.
func (a *Allocator) Stats() Stats {
	st := Stats{
		Kinds:           a.kinds,
		ScopeDepth:      len(a.scopes),
		ScopeArenaBytes: a.scopeArena.Len(),
		ScopeArenaPeak:  a.scopeArena.Peak(),
		FrameArenaBytes: a.frameArena.Len(),
		FrameArenaPeak:  a.frameArena.Peak(),
		BreakerState:    a.breaker.State().String(),
	}

	for rec := range a.persistent {
		if rec.place.dedicated != nil {
			st.DedicatedMappings++
		}
	}

	if a.pool != nil && !a.closed {
		hs := a.pool.GetStats()
		st.SlabClasses = make([]SlabClassStats, 0, arena.NUM_SIZE_CLASSES)
		for _, s := range hs.SlabStats {
			st.SlabClasses = append(st.SlabClasses, SlabClassStats{
				ObjectSize: s.ObjectSize,
				Allocated:  s.Allocated,
				Capacity:   s.Capacity,
				Pages:      s.SlabCount,
			})
		}
		st.BuddyFreeBytes = uint64(hs.BuddyStats.Free)
		st.PoolFragmentation = hs.OverallFragmentation
	}

	return st
}

// Trim returns empty slab pages to the pooled region's page pool and reports
// the bytes reclaimed.
func (a *Allocator) Trim() uint64 {
	if a.closed {
		return 0
	}
	return uint64(a.pool.FreeCache())
}
