package buffer

import (
	"math"
	"testing"
	"time"
	"unsafe"

	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nmxmxh/nativebuf/internal/hal"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SlabSize = 64 * datasize.KB
	cfg.BuddySize = 2 * datasize.MB
	cfg.ScopeChunkSize = 16 * datasize.KB
	cfg.FrameChunkSize = 16 * datasize.KB
	return cfg
}

func newTestAllocator(t *testing.T, opts ...Option) *Allocator {
	t.Helper()
	return newTestAllocatorWithConfig(t, testConfig(), opts...)
}

func newTestAllocatorWithConfig(t *testing.T, cfg Config, opts ...Option) *Allocator {
	t.Helper()
	a, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func mustBytes(t *testing.T, buf RawBuffer) []byte {
	t.Helper()
	b, err := buf.Bytes()
	require.NoError(t, err)
	return b
}

// flakyBacking maps from the heap until fail is set.
type flakyBacking struct {
	*hal.HeapProvider
	fail  bool
	calls int
}

func (f *flakyBacking) Map(size uint64) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, errors.Newf("backing refused %d bytes", size)
	}
	return f.HeapProvider.Map(size)
}

func TestAllocator_RoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	buf, err := a.Allocate(64, 8, Persistent)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), buf.Len())
	assert.Equal(t, Persistent, buf.Kind())
	assert.True(t, buf.OwnsMemory())
	assert.True(t, buf.Live())

	require.NoError(t, a.Free(buf))
	assert.False(t, buf.Live())
	assert.Nil(t, buf.Pointer())

	err = a.Free(buf)
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestAllocator_Alignment(t *testing.T) {
	a := newTestAllocator(t)
	scope := a.PushScope()
	defer scope.Pop()

	for _, kind := range []Kind{Transient, FrameTemp, Persistent} {
		for _, align := range []uint32{1, 2, 4, 8, 16, 32, 64} {
			for _, size := range []uint64{1, 7, 64, 300, 5000} {
				buf, err := a.Allocate(size, align, kind)
				require.NoError(t, err, "%s size %d align %d", kind, size, align)
				assert.Zero(t, uintptr(buf.Pointer())%uintptr(align), "%s size %d align %d", kind, size, align)
				assert.Equal(t, align, buf.Alignment())
			}
		}
	}

	buf, err := a.Allocate(24, 0, Persistent)
	require.NoError(t, err)
	assert.Equal(t, uint32(defaultAlignment), buf.Alignment())
	assert.Zero(t, uintptr(buf.Pointer())%defaultAlignment)
}

func TestAllocator_RejectsBadRequests(t *testing.T) {
	a := newTestAllocator(t)

	for _, align := range []uint32{3, 12, 128, 4096} {
		_, err := a.Allocate(16, align, Persistent)
		assert.ErrorIs(t, err, ErrAlignmentViolation, "align %d", align)
	}

	_, err := a.Allocate(16, 8, External)
	assert.ErrorIs(t, err, ErrAllocationFailure)

	_, err = a.Allocate(16, 8, Transient)
	assert.ErrorIs(t, err, ErrAllocationFailure, "no open scope")
	assert.True(t, IsRetryable(err))
}

func TestAllocator_RejectsOversizedRequests(t *testing.T) {
	a := newTestAllocator(t)
	scope := a.PushScope()
	defer scope.Pop()

	sizes := []uint64{
		math.MaxUint64,
		math.MaxUint64 - 4,
		math.MaxUint64 - 100,
		1 << 50,
		a.Config().MaxBufferSize.Bytes() + 1,
	}
	for _, kind := range []Kind{Transient, FrameTemp, Persistent} {
		for _, size := range sizes {
			var (
				buf RawBuffer
				err error
			)
			require.NotPanics(t, func() { buf, err = a.Allocate(size, 8, kind) }, "%s of %d bytes", kind, size)
			assert.ErrorIs(t, err, ErrAllocationFailure, "%s of %d bytes", kind, size)
			assert.True(t, buf.IsEmpty())
		}
	}

	st := a.Stats()
	for _, kind := range []Kind{Transient, FrameTemp, Persistent} {
		assert.Equal(t, uint64(len(sizes)), st.Kinds[kind].Failures, "%s", kind)
		assert.Zero(t, st.Kinds[kind].Live)
	}
	assert.Zero(t, st.DedicatedMappings)
	assert.Zero(t, st.ScopeArenaBytes)
	assert.Zero(t, st.FrameArenaBytes)
	assert.Equal(t, "closed", st.BreakerState)

	// the allocator keeps working afterwards
	buf, err := a.Allocate(64<<10, 8, Persistent)
	require.NoError(t, err)
	other, err := a.Allocate(64<<10, 8, Persistent)
	require.NoError(t, err)
	require.NoError(t, Clear(buf, buf.Len()))
	require.NoError(t, Clear(other, other.Len()))
	cmp, err := Compare(buf, other, 64<<10)
	require.NoError(t, err)
	assert.Equal(t, Equal, cmp)
	require.NoError(t, a.Free(buf))
	require.NoError(t, a.Free(other))
}

func TestAllocator_MaxBufferSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferSize = 4 * datasize.KB
	a := newTestAllocatorWithConfig(t, cfg)

	buf, err := a.Allocate(4096, 8, Persistent)
	require.NoError(t, err)

	_, err = a.Allocate(4097, 8, Persistent)
	assert.ErrorIs(t, err, ErrAllocationFailure)

	_, err = a.Resize(buf, 4097)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.True(t, buf.Live(), "a refused resize leaves the buffer alone")

	_, err = a.Resize(buf, math.MaxUint64)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.True(t, buf.Live())
	require.NoError(t, a.Free(buf))
}

func TestAllocator_EmptyBuffer(t *testing.T) {
	a := newTestAllocator(t)

	buf, err := a.Allocate(0, 16, Transient)
	require.NoError(t, err, "empty buffers need no scope")
	assert.True(t, buf.IsEmpty())
	assert.Nil(t, buf.Pointer())
	assert.Equal(t, Transient, buf.Kind())

	assert.NoError(t, a.Free(buf))
	assert.NoError(t, a.Free(buf))
	assert.NoError(t, a.Free(RawBuffer{}))
}

func TestAllocator_InvalidFreeTargets(t *testing.T) {
	a := newTestAllocator(t)
	other := newTestAllocator(t)

	buf, err := a.Allocate(128, 8, Persistent)
	require.NoError(t, err)

	sub, err := buf.Slice(16, 32)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Free(sub), ErrInvalidFreeTarget)
	assert.ErrorIs(t, other.Free(buf), ErrInvalidFreeTarget)

	im := newTestImporter(t)
	data := make([]byte, 32)
	ext, err := ImportBytes(im, data)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Free(ext), ErrInvalidFreeTarget)

	require.NoError(t, a.Free(buf))
}

func TestAllocator_Resize(t *testing.T) {
	a := newTestAllocator(t)

	buf, err := a.Allocate(16, 8, Persistent)
	require.NoError(t, err)
	b := mustBytes(t, buf)
	for i := range b {
		b[i] = byte(i + 1)
	}
	h, err := CreateHandle(buf, ReadOnly)
	require.NoError(t, err)

	grown, err := a.Resize(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), grown.Len())
	assert.Greater(t, grown.Generation(), buf.Generation())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, mustBytes(t, grown)[:16])

	assert.False(t, buf.Live())
	assert.ErrorIs(t, h.Validate(), ErrStaleHandle)
	assert.ErrorIs(t, a.Free(buf), ErrStaleHandle)

	// Shrinking inside the same block keeps the address
	addr := grown.Pointer()
	shrunk, err := a.Resize(grown, 100)
	require.NoError(t, err)
	assert.Equal(t, addr, shrunk.Pointer())
	assert.False(t, grown.Live())

	emptied, err := a.Resize(shrunk, 0)
	require.NoError(t, err)
	assert.True(t, emptied.IsEmpty())
	assert.ErrorIs(t, a.Free(shrunk), ErrDoubleFree)

	scope := a.PushScope()
	defer scope.Pop()
	tmp, err := a.Allocate(32, 8, Transient)
	require.NoError(t, err)
	_, err = a.Resize(tmp, 64)
	assert.ErrorIs(t, err, ErrInvalidFreeTarget)
}

func TestAllocator_ZeroOnAllocate(t *testing.T) {
	cfg := testConfig()
	cfg.ZeroOnAllocate = true
	a := newTestAllocatorWithConfig(t, cfg)

	buf, err := a.Allocate(32, 8, Persistent)
	require.NoError(t, err)
	for i := range mustBytes(t, buf) {
		mustBytes(t, buf)[i] = 0xFF
	}
	addr := buf.Pointer()
	require.NoError(t, a.Free(buf))

	again, err := a.Allocate(32, 8, Persistent)
	require.NoError(t, err)
	assert.Equal(t, addr, again.Pointer(), "slab slot is reused")
	assert.Equal(t, make([]byte, 32), mustBytes(t, again))
}

func TestAllocator_DedicatedMappings(t *testing.T) {
	a := newTestAllocator(t)

	big, err := a.Allocate(3*1024*1024, 64, Persistent)
	require.NoError(t, err)
	assert.Zero(t, uintptr(big.Pointer())%64)
	assert.Equal(t, 1, a.Stats().DedicatedMappings)

	b := mustBytes(t, big)
	b[len(b)-1] = 42

	require.NoError(t, a.Free(big))
	assert.Equal(t, 0, a.Stats().DedicatedMappings)
}

func TestAllocator_PoolExhaustionFallsBack(t *testing.T) {
	a := newTestAllocator(t)

	// 2MB of buddy space holds two 1MB blocks
	var bufs []RawBuffer
	for i := 0; i < 3; i++ {
		buf, err := a.Allocate(1024*1024, 8, Persistent)
		require.NoError(t, err)
		bufs = append(bufs, buf)
	}
	assert.Equal(t, 1, a.Stats().DedicatedMappings)

	for _, buf := range bufs {
		require.NoError(t, a.Free(buf))
	}
}

func TestAllocator_LargeAllocationBreaker(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	backing := &flakyBacking{HeapProvider: hal.NewHeapProvider()}

	cfg := testConfig()
	cfg.LargeAllocBreaker = BreakerConfig{MaxFailures: 2, Timeout: time.Hour}
	a := newTestAllocatorWithConfig(t, cfg, WithBacking(backing), WithLogger(zap.New(core)))

	backing.fail = true
	backing.calls = 0

	for i := 0; i < 2; i++ {
		_, err := a.Allocate(2*1024*1024, 8, Persistent)
		require.ErrorIs(t, err, ErrAllocationFailure)
	}
	assert.Equal(t, 2, backing.calls)
	assert.Equal(t, "open", a.Stats().BreakerState)

	_, err := a.Allocate(2*1024*1024, 8, Persistent)
	require.ErrorIs(t, err, ErrAllocationFailure)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, backing.calls, "open breaker fails fast")

	// Pooled requests do not go through the breaker
	small, err := a.Allocate(4096, 8, Persistent)
	require.NoError(t, err)
	require.NoError(t, a.Free(small))

	assert.Equal(t, 1, logs.FilterMessage("large allocation breaker changed state").Len())
	assert.Equal(t, 3, logs.FilterMessage("allocation failed").Len())

	backing.fail = false
}

func TestAllocator_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newTestAllocator(t, WithRegisterer(reg))

	var bufs []RawBuffer
	for i := 0; i < 3; i++ {
		buf, err := a.Allocate(100, 8, Persistent)
		require.NoError(t, err)
		bufs = append(bufs, buf)
	}
	require.NoError(t, a.Free(bufs[0]))

	_, err := a.Allocate(8, 3, Persistent)
	require.Error(t, err)

	assert.Equal(t, float64(3), testutil.ToFloat64(a.metrics.allocationsTotal.WithLabelValues("persistent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.metrics.freesTotal.WithLabelValues("persistent")))
	assert.Equal(t, float64(200), testutil.ToFloat64(a.metrics.bytesInUse.WithLabelValues("persistent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.metrics.failuresTotal.WithLabelValues("persistent")))

	n, err := testutil.GatherAndCount(reg, "nativebuf_allocator_buffers_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAllocator_Stats(t *testing.T) {
	a := newTestAllocator(t)

	p, err := a.Allocate(24, 8, Persistent)
	require.NoError(t, err)
	_, err = a.Allocate(10, 8, FrameTemp)
	require.NoError(t, err)

	st := a.Stats()
	assert.Equal(t, 1, st.Kinds[Persistent].Live)
	assert.Equal(t, uint64(24), st.Kinds[Persistent].BytesInUse)
	assert.Equal(t, 1, st.Kinds[FrameTemp].Live)
	assert.Equal(t, uint64(10), st.FrameArenaBytes)
	assert.Equal(t, "closed", st.BreakerState)

	var slabObjects uint32
	for _, c := range st.SlabClasses {
		slabObjects += c.Allocated
	}
	assert.Equal(t, uint32(1), slabObjects)

	require.NoError(t, a.Free(p))
	assert.Equal(t, uint64(4096), a.Trim())
	assert.Equal(t, 0, a.Stats().Kinds[Persistent].Live)
}

func TestAllocator_CorruptionPanics(t *testing.T) {
	a := newTestAllocator(t)

	buf, err := a.Allocate(64, 8, Persistent)
	require.NoError(t, err)

	// Release the block behind the record's back
	require.NoError(t, a.pool.Free(buf.rec.place.offset))

	assert.Panics(t, func() { _ = a.Free(buf) })
}

func TestAllocator_Close(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)

	p, err := a.Allocate(64, 8, Persistent)
	require.NoError(t, err)
	big, err := a.Allocate(2*1024*1024, 8, Persistent)
	require.NoError(t, err)
	scope := a.PushScope()
	tr, err := a.Allocate(64, 8, Transient)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	for _, buf := range []RawBuffer{p, big, tr} {
		assert.False(t, buf.Live())
	}
	assert.True(t, scope.Popped())

	_, err = a.Allocate(8, 8, Persistent)
	assert.ErrorIs(t, err, ErrAllocationFailure)
}

func TestAllocator_MmapBacking(t *testing.T) {
	cfg := testConfig()
	cfg.Backing = "mmap"
	a, err := New(cfg)
	if errors.Is(err, hal.ErrUnsupported) {
		t.Skip("mmap backing not available")
	}
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	buf, err := a.Allocate(512, 64, Persistent)
	require.NoError(t, err)
	b := mustBytes(t, buf)
	b[0], b[511] = 1, 2
	assert.Equal(t, byte(2), *(*byte)(unsafe.Add(buf.Pointer(), 511)))
	require.NoError(t, a.Free(buf))
}
