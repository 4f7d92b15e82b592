package buffer

import (
	"encoding/binary"
	"runtime"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/nmxmxh/nativebuf/internal/hal"
)

const (
	// importGranule is the unit the overlap filter tracks imported ranges in.
	importGranule = 64 * 1024

	filterExpectedGranules = 4096
	filterFalsePositive    = 0.01
	// rebuild the filter once this many granules belong to unwrapped imports
	filterRebuildThreshold = 4 * filterExpectedGranules
)

// Importer wraps memory owned by someone else as External RawBuffers. The
// owner must keep the memory valid until Unwrap; owners that move or resize
// it call Reimport so outstanding handles go stale.
type Importer struct {
	logger  *zap.Logger
	metrics *metrics

	imports map[uintptr]*record
	filter  *bloom.BloomFilter
	dead    uint64 // granules in the filter that no longer back an import
}

// NewImporter creates an empty Importer.
func NewImporter(opts ...Option) *Importer {
	o := buildOptions("import", opts)
	return &Importer{
		logger:  o.logger,
		metrics: newMetrics(o.reg, "import"),
		imports: make(map[uintptr]*record),
		filter:  bloom.NewWithEstimates(filterExpectedGranules, filterFalsePositive),
	}
}

// Wrap imports n bytes at ptr, asserting they are aligned to alignment. An
// alignment of 0 records the pointer's actual alignment, up to a page.
//
// Wrapping an address that is already imported re-binds that import to the
// new length and alignment and invalidates everything derived from it.
func (im *Importer) Wrap(ptr unsafe.Pointer, n uint64, alignment uint32) (RawBuffer, error) {
	return im.wrap(ptr, n, alignment, nil)
}

// ImportSlice pins s and imports its backing array. The pin is dropped by
// Unwrap.
func ImportSlice[T any](im *Importer, s []T) (RawBuffer, error) {
	if err := checkElement[T](); err != nil {
		return RawBuffer{}, err
	}
	if len(s) == 0 {
		return im.wrap(nil, 0, AlignOf[T](), nil)
	}

	data := unsafe.SliceData(s)
	pinner := &runtime.Pinner{}
	pinner.Pin(data)

	buf, err := im.wrap(unsafe.Pointer(data), uint64(len(s))*uint64(SizeOf[T]()), AlignOf[T](), pinner)
	if err != nil {
		pinner.Unpin()
	}
	return buf, err
}

// ImportBytes pins b and imports it.
func ImportBytes(im *Importer, b []byte) (RawBuffer, error) {
	return ImportSlice(im, b)
}

func (im *Importer) wrap(ptr unsafe.Pointer, n uint64, alignment uint32, pinner *runtime.Pinner) (RawBuffer, error) {
	if err := checkImport(ptr, n, &alignment); err != nil {
		im.metrics.failed(External)
		return RawBuffer{}, err
	}
	if n == 0 {
		return (&record{align: alignment, kind: External, owner: im, meter: im.metrics}).mint(), nil
	}

	addr := uintptr(ptr)
	if rec, ok := im.imports[addr]; ok {
		im.logger.Debug("re-importing live address", zap.Uintptr("addr", addr), zap.Uint64("size", n))
		return im.rebind(rec, ptr, n, alignment, pinner)
	}

	if other := im.overlapping(addr, n, nil); other != nil {
		im.metrics.failed(External)
		im.logger.Warn("rejected overlapping import",
			zap.Uintptr("addr", addr), zap.Uint64("size", n),
			zap.Uintptr("live_addr", uintptr(other.ptr)), zap.Uint64("live_size", other.size))
		return RawBuffer{}, errors.Wrapf(ErrImportOverlap,
			"[0x%x, +%d) overlaps live import [0x%x, +%d)", addr, n, uintptr(other.ptr), other.size)
	}

	rec := &record{
		ptr:    ptr,
		size:   n,
		align:  alignment,
		kind:   External,
		owner:  im,
		pinner: pinner,
		meter:  im.metrics,
	}
	im.imports[addr] = rec
	im.remember(addr, n)
	im.metrics.created(External, n)

	return rec.mint(), nil
}

// Reimport moves a live import to new memory, typically after its owner grew
// or relocated it. The record keeps its identity; every handle and view of
// the previous generation goes stale.
func (im *Importer) Reimport(buf RawBuffer, ptr unsafe.Pointer, n uint64, alignment uint32) (RawBuffer, error) {
	rec, err := im.own(buf)
	if err != nil {
		return RawBuffer{}, err
	}
	if err := checkImport(ptr, n, &alignment); err != nil {
		return RawBuffer{}, err
	}
	if n == 0 {
		return RawBuffer{}, errors.Wrap(ErrOutOfBounds, "re-import of zero bytes; use Unwrap")
	}
	return im.rebind(rec, ptr, n, alignment, nil)
}

func (im *Importer) rebind(rec *record, ptr unsafe.Pointer, n uint64, alignment uint32, pinner *runtime.Pinner) (RawBuffer, error) {
	addr := uintptr(ptr)
	if other := im.overlapping(addr, n, rec); other != nil {
		im.metrics.failed(External)
		return RawBuffer{}, errors.Wrapf(ErrImportOverlap,
			"[0x%x, +%d) overlaps live import [0x%x, +%d)", addr, n, uintptr(other.ptr), other.size)
	}

	delete(im.imports, uintptr(rec.ptr))
	im.forget(uintptr(rec.ptr), rec.size)
	im.metrics.bytesInUse.WithLabelValues(External.String()).Add(float64(n) - float64(rec.size))

	if pinner != nil {
		if rec.pinner != nil {
			rec.pinner.Unpin()
		}
		rec.pinner = pinner
	}
	rec.ptr = ptr
	rec.size = n
	rec.align = alignment
	rec.invalidate()

	im.imports[addr] = rec
	im.remember(addr, n)
	return rec.mint(), nil
}

// Unwrap releases an import: the pin, if any, is dropped and every handle and
// view derived from it goes stale. The memory itself is left to its owner.
func (im *Importer) Unwrap(buf RawBuffer) error {
	if buf.rec == nil || (buf.rec.size == 0 && !buf.rec.owns) {
		return nil
	}
	rec, err := im.own(buf)
	if err != nil {
		return err
	}

	delete(im.imports, uintptr(rec.ptr))
	im.forget(uintptr(rec.ptr), rec.size)
	if rec.pinner != nil {
		rec.pinner.Unpin()
		rec.pinner = nil
	}
	rec.retire(stateFreed)
	im.metrics.released(External, rec.size)

	im.logger.Debug("unwrapped import", zap.Uintptr("addr", uintptr(rec.ptr)), zap.Uint64("size", rec.size))
	return nil
}

// Len returns the number of live imports.
func (im *Importer) Len() int { return len(im.imports) }

// Close unwraps every live import.
func (im *Importer) Close() error {
	for _, rec := range im.imports {
		if err := im.Unwrap(rec.mint()); err != nil {
			return err
		}
	}
	return nil
}

// own checks that buf is a whole, current import of im.
func (im *Importer) own(buf RawBuffer) (*record, error) {
	rec := buf.rec
	switch {
	case rec == nil:
		return nil, errors.Wrap(ErrInvalidFreeTarget, "empty buffer")
	case rec.owns:
		return nil, errors.Wrap(ErrInvalidFreeTarget, "owning buffers are released with Allocator.Free")
	case buf.sub:
		return nil, errors.Wrap(ErrInvalidFreeTarget, "sub-slices cannot be unwrapped on their own")
	case rec.owner != im:
		return nil, errors.Wrap(ErrInvalidFreeTarget, "buffer was imported by another importer")
	case rec.state.Load() != stateLive:
		return nil, errors.Wrapf(ErrDoubleFree, "import of %d bytes", rec.size)
	case rec.gen.Load() != buf.gen:
		return nil, errors.Wrapf(ErrStaleHandle, "import generation %d was superseded by %d", buf.gen, rec.gen.Load())
	}
	return rec, nil
}

func checkImport(ptr unsafe.Pointer, n uint64, alignment *uint32) error {
	if ptr == nil && n > 0 {
		return errors.Wrapf(ErrOutOfBounds, "nil pointer for %d bytes", n)
	}
	if addr := uint64(uintptr(ptr)); n > 0 && n-1 > uint64(^uintptr(0))-addr {
		return errors.Wrapf(ErrOutOfBounds, "[0x%x, +%d) wraps around the address space", addr, n)
	}
	if *alignment == 0 {
		*alignment = naturalAlignment(uintptr(ptr))
	}
	if !isPowerOfTwo(uint64(*alignment)) {
		return errors.Wrapf(ErrAlignmentViolation, "alignment %d is not a power of two", *alignment)
	}
	if uintptr(ptr)%uintptr(*alignment) != 0 {
		return errors.Wrapf(ErrAlignmentViolation, "address 0x%x is not aligned to %d", uintptr(ptr), *alignment)
	}
	return nil
}

func naturalAlignment(addr uintptr) uint32 {
	if addr == 0 {
		return hal.PageSize
	}
	return uint32(min(addr&-addr, hal.PageSize))
}

// overlapping returns a live import other than self that shares a byte with
// [addr, addr+n), or nil.
func (im *Importer) overlapping(addr uintptr, n uint64, self *record) *record {
	if !im.mayOverlap(addr, n) {
		return nil
	}
	end := addr + uintptr(n)
	for base, rec := range im.imports {
		if rec == self {
			continue
		}
		if addr < base+uintptr(rec.size) && base < end {
			return rec
		}
	}
	return nil
}

func granules(addr uintptr, n uint64) (first, last uint64) {
	return uint64(addr) / importGranule, (uint64(addr) + n - 1) / importGranule
}

func granuleKey(g uint64) []byte {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], g)
	return key[:]
}

// mayOverlap is a fast negative check: false means no live import touches
// any granule of the range.
func (im *Importer) mayOverlap(addr uintptr, n uint64) bool {
	first, last := granules(addr, n)
	for g := first; g <= last; g++ {
		if im.filter.Test(granuleKey(g)) {
			return true
		}
	}
	return false
}

func (im *Importer) remember(addr uintptr, n uint64) {
	first, last := granules(addr, n)
	for g := first; g <= last; g++ {
		im.filter.Add(granuleKey(g))
	}
}

// forget accounts for granules the filter cannot delete, and rebuilds it from
// the live imports once too many have accumulated.
func (im *Importer) forget(addr uintptr, n uint64) {
	first, last := granules(addr, n)
	im.dead += last - first + 1
	if im.dead < filterRebuildThreshold && len(im.imports) > 0 {
		return
	}

	im.filter.ClearAll()
	im.dead = 0
	for base, rec := range im.imports {
		im.remember(base, rec.size)
	}
}
