package buffer

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/nativebuf/internal/arena"
	"github.com/nmxmxh/nativebuf/internal/hal"
	"github.com/nmxmxh/nativebuf/internal/memops"
)

// placement records where a Persistent buffer's bytes live.
type placement struct {
	offset    uint32 // within the pooled region
	pooled    bool
	dedicated []byte
}

// Allocator hands out RawBuffers under the Transient, FrameTemp and
// Persistent lifetime policies.
//
// Persistent requests up to 256B come from slab pages and requests up to 1MB
// from buddy blocks, both carved from one pooled region mapped at creation.
// Larger requests, and requests the pooled region cannot place, get a
// dedicated mapping from the backing behind a circuit breaker.
type Allocator struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics
	backing Backing

	region  []byte
	pool    *arena.HybridAllocator
	breaker *gobreaker.CircuitBreaker

	scopeArena *arena.BumpArena
	scopes     []*Scope
	frameArena *arena.BumpArena
	frame      []*record

	persistent map[*record]struct{}
	kinds      [numKinds]KindStats
	closed     bool
}

// New creates an Allocator and maps its pooled region.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid allocator config")
	}

	o := buildOptions("allocator", opts)
	backing := o.backing
	if backing == nil {
		p, err := hal.New(cfg.Backing)
		if err != nil {
			return nil, err
		}
		backing = p
	}

	a := &Allocator{
		cfg:        cfg,
		logger:     o.logger,
		metrics:    newMetrics(o.reg, "allocator"),
		backing:    backing,
		scopeArena: arena.NewBumpArena(backing, cfg.ScopeChunkSize.Bytes()),
		frameArena: arena.NewBumpArena(backing, cfg.FrameChunkSize.Bytes()),
		persistent: make(map[*record]struct{}),
	}

	regionSize := cfg.SlabSize.Bytes() + cfg.BuddySize.Bytes()
	region, err := backing.Map(regionSize)
	if err != nil {
		return nil, errors.WithSecondaryError(
			errors.Wrapf(ErrAllocationFailure, "mapping %d byte pooled region from %s backing", regionSize, backing.Name()), err)
	}
	a.region = region[:regionSize:regionSize]

	a.pool, err = arena.NewHybridAllocator(a.region, uint32(cfg.SlabSize.Bytes()))
	if err != nil {
		return nil, errors.CombineErrors(err, backing.Unmap(region))
	}

	breakerCfg := cfg.LargeAllocBreaker
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nativebuf-large-alloc",
		MaxRequests: 1,
		Timeout:     breakerCfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerCfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn("large allocation breaker changed state",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
			a.metrics.breakerState.Set(float64(to))
		},
	})

	a.logger.Debug("allocator ready",
		zap.String("backing", backing.Name()),
		zap.Stringer("slab_size", cfg.SlabSize),
		zap.Stringer("buddy_size", cfg.BuddySize))

	return a, nil
}

// Config returns the configuration the allocator was created with.
func (a *Allocator) Config() Config { return a.cfg }

// Allocate returns a buffer of size bytes whose address is a multiple of
// alignment. An alignment of 0 selects the default of 8 bytes. A size of 0
// returns an empty buffer that need not be freed.
func (a *Allocator) Allocate(size uint64, alignment uint32, kind Kind) (RawBuffer, error) {
	if alignment == 0 {
		alignment = defaultAlignment
	}
	if !isPowerOfTwo(uint64(alignment)) || alignment > a.cfg.MaxAlignment {
		a.metrics.failed(kind)
		return RawBuffer{}, errors.Wrapf(ErrAlignmentViolation,
			"alignment %d must be a power of two no larger than %d", alignment, a.cfg.MaxAlignment)
	}
	switch {
	case a.closed:
		return RawBuffer{}, errors.Wrap(ErrAllocationFailure, "allocator is closed")
	case kind == External:
		return RawBuffer{}, errors.Wrap(ErrAllocationFailure, "external buffers are imported, not allocated")
	case kind > External:
		return RawBuffer{}, errors.Wrapf(ErrAllocationFailure, "unknown buffer kind %d", kind)
	case size > a.cfg.MaxBufferSize.Bytes():
		a.kinds[kind].Failures++
		a.metrics.failed(kind)
		return RawBuffer{}, errors.Wrapf(ErrAllocationFailure,
			"%d bytes exceeds max_buffer_size %s", size, a.cfg.MaxBufferSize)
	}

	rec := &record{
		size:  size,
		align: alignment,
		kind:  kind,
		owns:  true,
		owner: a,
		meter: a.metrics,
	}
	if size == 0 {
		return rec.mint(), nil
	}

	var err error
	switch kind {
	case Transient:
		err = a.allocTransient(rec)
	case FrameTemp:
		err = a.allocFrame(rec)
	case Persistent:
		err = a.allocPersistent(rec)
	}
	if err != nil {
		a.kinds[kind].Failures++
		a.metrics.failed(kind)
		a.logger.Warn("allocation failed",
			zap.Stringer("kind", kind), zap.Uint64("size", size), zap.Uint32("alignment", alignment), zap.Error(err))
		return RawBuffer{}, err
	}

	if a.cfg.ZeroOnAllocate {
		memops.Zero(rec.ptr, uintptr(size))
	}
	a.track(rec)
	return rec.mint(), nil
}

func (a *Allocator) allocTransient(rec *record) error {
	if len(a.scopes) == 0 {
		return errors.Wrap(ErrAllocationFailure, "transient allocation outside of any scope")
	}
	mem, err := a.scopeArena.Alloc(rec.size, uint64(rec.align))
	if err != nil {
		return errors.WithSecondaryError(errors.Wrapf(ErrAllocationFailure, "scope arena: %d bytes", rec.size), err)
	}
	rec.ptr = unsafe.Pointer(unsafe.SliceData(mem))

	top := a.scopes[len(a.scopes)-1]
	top.records = append(top.records, rec)
	return nil
}

func (a *Allocator) allocFrame(rec *record) error {
	mem, err := a.frameArena.Alloc(rec.size, uint64(rec.align))
	if err != nil {
		return errors.WithSecondaryError(errors.Wrapf(ErrAllocationFailure, "frame arena: %d bytes", rec.size), err)
	}
	rec.ptr = unsafe.Pointer(unsafe.SliceData(mem))
	a.frame = append(a.frame, rec)
	return nil
}

func (a *Allocator) allocPersistent(rec *record) error {
	ptr, place, err := a.place(rec.size, rec.align)
	if err != nil {
		return err
	}
	rec.ptr = ptr
	rec.place = place
	a.persistent[rec] = struct{}{}
	return nil
}

// place reserves size bytes in the pooled region, falling back to a
// dedicated mapping.
func (a *Allocator) place(size uint64, align uint32) (unsafe.Pointer, placement, error) {
	if size <= arena.MAX_BUDDY_SIZE {
		off, _, err := a.pool.Allocate(uint32(size), align)
		if err == nil {
			return unsafe.Pointer(&a.region[off]), placement{offset: off, pooled: true}, nil
		}
		if !errors.Is(err, arena.ErrOutOfMemory) {
			return nil, placement{}, errors.WithSecondaryError(
				errors.Wrapf(ErrAllocationFailure, "pooled region: %d bytes", size), err)
		}
		a.logger.Debug("pooled region exhausted, using a dedicated mapping", zap.Uint64("size", size))
	}

	res, err := a.breaker.Execute(func() (interface{}, error) {
		return a.backing.Map(size)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, placement{}, errors.Wrapf(ErrAllocationFailure, "large allocation breaker is %s", a.breaker.State())
		}
		return nil, placement{}, errors.WithSecondaryError(
			errors.Wrapf(ErrAllocationFailure, "dedicated mapping of %d bytes from %s backing", size, a.backing.Name()), err)
	}
	mem := res.([]byte)
	return unsafe.Pointer(unsafe.SliceData(mem)), placement{dedicated: mem}, nil
}

// unplace returns a placement to where it came from. A pooled block the
// allocator cannot free means its bookkeeping is corrupt.
func (a *Allocator) unplace(place placement) error {
	if place.pooled {
		if err := a.pool.Free(place.offset); err != nil {
			err = errors.NewAssertionErrorWithWrappedErrf(err, "pooled block at offset %d refused to free", place.offset)
			a.logger.Error("allocator corruption", zap.Error(err))
			panic(err)
		}
		return nil
	}
	if place.dedicated != nil {
		if err := a.backing.Unmap(place.dedicated); err != nil {
			a.logger.Error("unmapping dedicated buffer failed", zap.Int("size", len(place.dedicated)), zap.Error(err))
			return errors.Wrap(err, "unmapping dedicated buffer")
		}
	}
	return nil
}

// Free releases an owning buffer. Every copy of buf and every handle or view
// derived from it goes stale.
func (a *Allocator) Free(buf RawBuffer) error {
	rec := buf.rec
	if rec == nil || (rec.size == 0 && rec.ptr == nil && rec.owns) {
		return nil
	}
	if !rec.owns {
		return errors.Wrap(ErrInvalidFreeTarget, "imported buffers are released with Importer.Unwrap")
	}
	if buf.sub {
		return errors.Wrap(ErrInvalidFreeTarget, "sub-slices cannot be freed on their own")
	}
	if rec.owner != a {
		return errors.Wrap(ErrInvalidFreeTarget, "buffer belongs to another allocator")
	}
	switch rec.state.Load() {
	case stateFreed:
		return errors.Wrapf(ErrDoubleFree, "%s buffer of %d bytes", rec.kind, rec.size)
	case stateReclaimed:
		return errors.Wrapf(ErrStaleHandle, "%s buffer was already reclaimed", rec.kind)
	}
	if rec.gen.Load() != buf.gen {
		return errors.Wrapf(ErrStaleHandle, "buffer generation %d was superseded by %d", buf.gen, rec.gen.Load())
	}

	if rec.readers > 0 || rec.writer {
		a.logger.Debug("freeing buffer with live handles",
			zap.Stringer("kind", rec.kind), zap.Int("readers", rec.readers), zap.Bool("writer", rec.writer))
	}

	var err error
	if rec.kind == Persistent {
		delete(a.persistent, rec)
		err = a.unplace(rec.place)
	}
	// Transient and FrameTemp memory comes back when the scope or frame ends
	rec.retire(stateFreed)
	a.untrack(rec)
	return err
}

// Resize changes the length of a Persistent buffer, preserving the common
// prefix. The record keeps its identity but moves to a new generation: the
// returned buffer is current and every older copy, handle and view is stale.
// Resizing to 0 frees the buffer and returns an empty one.
func (a *Allocator) Resize(buf RawBuffer, size uint64) (RawBuffer, error) {
	rec := buf.rec
	switch {
	case rec == nil || rec.size == 0:
		return a.Allocate(size, buf.Alignment(), Persistent)
	case !rec.owns || buf.sub || rec.owner != a:
		return RawBuffer{}, errors.Wrap(ErrInvalidFreeTarget, "only whole buffers owned by this allocator can be resized")
	case rec.kind != Persistent:
		return RawBuffer{}, errors.Wrapf(ErrInvalidFreeTarget, "%s buffers cannot be resized", rec.kind)
	}
	if err := buf.Validate(); err != nil {
		return RawBuffer{}, err
	}
	if size == 0 {
		if err := a.Free(buf); err != nil {
			return RawBuffer{}, err
		}
		return a.Allocate(0, rec.align, Persistent)
	}
	if size > a.cfg.MaxBufferSize.Bytes() {
		a.kinds[Persistent].Failures++
		a.metrics.failed(Persistent)
		return RawBuffer{}, errors.Wrapf(ErrAllocationFailure,
			"%d bytes exceeds max_buffer_size %s", size, a.cfg.MaxBufferSize)
	}

	old := rec.size
	// Stay in place while the current block is large enough
	if !rec.place.pooled || size > uint64(a.pool.Capacity(rec.place.offset)) {
		ptr, place, err := a.place(size, rec.align)
		if err != nil {
			a.kinds[Persistent].Failures++
			a.metrics.failed(Persistent)
			return RawBuffer{}, err
		}
		memops.Copy(ptr, rec.ptr, uintptr(min(old, size)))
		if err := a.unplace(rec.place); err != nil {
			a.logger.Warn("releasing block after resize failed", zap.Error(err))
		}
		rec.ptr = ptr
		rec.place = place
	}
	if a.cfg.ZeroOnAllocate && size > old {
		memops.Zero(unsafe.Add(rec.ptr, old), uintptr(size-old))
	}

	a.kinds[Persistent].BytesInUse += size
	a.kinds[Persistent].BytesInUse -= old
	a.metrics.bytesInUse.WithLabelValues(Persistent.String()).Add(float64(size) - float64(old))

	rec.size = size
	rec.invalidate()
	return rec.mint(), nil
}

func (a *Allocator) track(rec *record) {
	k := &a.kinds[rec.kind]
	k.Live++
	k.Created++
	k.BytesInUse += rec.size
	a.metrics.created(rec.kind, rec.size)
}

func (a *Allocator) untrack(rec *record) {
	k := &a.kinds[rec.kind]
	k.Live--
	k.Released++
	k.BytesInUse -= rec.size
	a.metrics.released(rec.kind, rec.size)
}

// reclaim retires every still-live record in recs.
func (a *Allocator) reclaim(recs []*record) int {
	n := 0
	for _, rec := range recs {
		if rec.state.Load() != stateLive {
			continue
		}
		rec.retire(stateReclaimed)
		a.untrack(rec)
		n++
	}
	return n
}

// Close reclaims every buffer and returns all memory to the backing. The
// allocator cannot be used afterwards.
func (a *Allocator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	if len(a.scopes) > 0 {
		a.scopes[0].Pop()
	}
	a.EndFrame()

	var errs error
	for rec := range a.persistent {
		if rec.place.dedicated != nil {
			errs = errors.CombineErrors(errs, a.unplace(rec.place))
		}
		rec.retire(stateReclaimed)
		a.untrack(rec)
	}
	a.persistent = nil

	errs = errors.CombineErrors(errs, a.scopeArena.Release())
	errs = errors.CombineErrors(errs, a.frameArena.Release())
	errs = errors.CombineErrors(errs, a.backing.Unmap(a.region))
	a.region = nil

	a.logger.Debug("allocator closed", zap.Error(errs))
	return errs
}
