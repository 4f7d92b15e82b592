package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "nativebuf"

type metrics struct {
	allocationsTotal *prometheus.CounterVec
	freesTotal       *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	bytesInUse       *prometheus.GaugeVec

	staleAccessesTotal   prometheus.Counter
	handleConflictsTotal prometheus.Counter
	resetsTotal          *prometheus.CounterVec
	breakerState         prometheus.Gauge
}

// newMetrics builds the collectors for one subsystem ("allocator" or
// "import"). A nil registerer registers nowhere.
func newMetrics(reg prometheus.Registerer, subsystem string) *metrics {
	return &metrics{
		allocationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "buffers_created_total",
			Help:      "Total number of buffers allocated or imported, by kind.",
		}, []string{"kind"}),
		freesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "buffers_released_total",
			Help:      "Total number of buffers freed, unwrapped or reclaimed, by kind.",
		}, []string{"kind"}),
		failuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Total number of rejected allocation or import requests, by kind.",
		}, []string{"kind"}),
		bytesInUse: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "bytes_in_use",
			Help:      "Bytes currently held by live buffers, by kind.",
		}, []string{"kind"}),
		staleAccessesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "stale_accesses_total",
			Help:      "Total number of accesses rejected because a handle went stale.",
		}),
		handleConflictsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "handle_conflicts_total",
			Help:      "Total number of safety handles refused because of a conflicting live handle.",
		}),
		resetsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "arena_resets_total",
			Help:      "Total number of scope pops and frame ends, by kind.",
		}, []string{"kind"}),
		breakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "large_alloc_breaker_state",
			Help:      "State of the large allocation circuit breaker (0 closed, 1 half-open, 2 open).",
		}),
	}
}

func (m *metrics) created(kind Kind, size uint64) {
	if m == nil {
		return
	}
	m.allocationsTotal.WithLabelValues(kind.String()).Inc()
	m.bytesInUse.WithLabelValues(kind.String()).Add(float64(size))
}

func (m *metrics) released(kind Kind, size uint64) {
	if m == nil {
		return
	}
	m.freesTotal.WithLabelValues(kind.String()).Inc()
	m.bytesInUse.WithLabelValues(kind.String()).Sub(float64(size))
}

func (m *metrics) failed(kind Kind) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) reset(kind Kind) {
	if m == nil {
		return
	}
	m.resetsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) staleAccess() {
	if m == nil {
		return
	}
	m.staleAccessesTotal.Inc()
}

func (m *metrics) handleConflict() {
	if m == nil {
		return
	}
	m.handleConflictsTotal.Inc()
}
