package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"inferd/pkg/types"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "requests_total",
			Help:      "Requests resolved, by terminal state",
		},
		[]string{"model", "state"},
	)

	queueDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "queue_duration_seconds",
			Help:      "Time requests spend queued before dispatch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	execDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "exec_duration_seconds",
			Help:      "Time dispatched batches spend executing",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "batch_size",
			Help:      "Number of requests per dispatched batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	admissionDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "governor",
			Name:      "admission_denials_total",
			Help:      "Resource admissions denied, by constrained component",
		},
		[]string{"component"},
	)

	allocationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "governor",
			Name:      "allocations_active",
			Help:      "Currently active resource allocations",
		},
	)

	cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Artifact cache events (hit, miss, eviction, corruption)",
		},
		[]string{"event"},
	)

	cacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Total bytes currently stored in the artifact cache",
		},
	)

	sessionsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "sessions",
			Name:      "loaded",
			Help:      "Currently loaded model sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal, queueDuration, execDuration, batchSize,
		admissionDenials, allocationsActive,
		cacheEvents, cacheBytes, sessionsLoaded,
	)
}

// Aggregator keeps in-process aggregates alongside the Prometheus series so
// Snapshot can be served without scraping. All methods are safe on a nil
// receiver, which lets components treat metrics as optional.
type Aggregator struct {
	completed uint64
	failed    uint64
	timedOut  uint64
	cancelled uint64
	denials   uint64
	batches   uint64
	batched   uint64 // requests dispatched in batches
	queueNS   uint64
	queueN    uint64 // resolutions carrying a queue timing
	execNS    uint64
	execN     uint64 // resolutions carrying an exec timing
}

func NewAggregator() *Aggregator { return &Aggregator{} }

// RequestResolved records a terminal state plus its timings.
func (a *Aggregator) RequestResolved(model string, state types.RequestState, queued, exec time.Duration) {
	if a == nil {
		return
	}
	requestsTotal.WithLabelValues(model, string(state)).Inc()
	switch state {
	case types.StateCompleted:
		atomic.AddUint64(&a.completed, 1)
	case types.StateFailed:
		atomic.AddUint64(&a.failed, 1)
	case types.StateTimedOut:
		atomic.AddUint64(&a.timedOut, 1)
	case types.StateCancelled:
		atomic.AddUint64(&a.cancelled, 1)
	}
	if queued > 0 {
		queueDuration.WithLabelValues(model).Observe(queued.Seconds())
		atomic.AddUint64(&a.queueNS, uint64(queued))
		atomic.AddUint64(&a.queueN, 1)
	}
	if exec > 0 {
		execDuration.WithLabelValues(model).Observe(exec.Seconds())
		atomic.AddUint64(&a.execNS, uint64(exec))
		atomic.AddUint64(&a.execN, 1)
	}
}

// BatchDispatched records the size of a dispatched batch.
func (a *Aggregator) BatchDispatched(size int) {
	if a == nil {
		return
	}
	batchSize.Observe(float64(size))
	atomic.AddUint64(&a.batches, 1)
	atomic.AddUint64(&a.batched, uint64(size))
}

// AdmissionDenied records a denial against the named component
// ("cpu", "memory", "accelerator", "allocations").
func (a *Aggregator) AdmissionDenied(component string) {
	if a == nil {
		return
	}
	admissionDenials.WithLabelValues(component).Inc()
	atomic.AddUint64(&a.denials, 1)
}

// AllocationsActive updates the active-allocation gauge.
func (a *Aggregator) AllocationsActive(n int) {
	if a == nil {
		return
	}
	allocationsActive.Set(float64(n))
}

// CacheEvent records a cache event: "hit", "miss", "eviction", "corruption".
func (a *Aggregator) CacheEvent(event string) {
	if a == nil {
		return
	}
	cacheEvents.WithLabelValues(event).Inc()
}

// CacheBytes updates the stored-bytes gauge.
func (a *Aggregator) CacheBytes(n int64) {
	if a == nil {
		return
	}
	cacheBytes.Set(float64(n))
}

// SessionsLoaded updates the loaded-sessions gauge.
func (a *Aggregator) SessionsLoaded(n int) {
	if a == nil {
		return
	}
	sessionsLoaded.Set(float64(n))
}

// Snapshot returns current aggregates. Component-owned fields (cache,
// resources, session count) are filled in by the caller.
func (a *Aggregator) Snapshot() types.MetricsSnapshot {
	if a == nil {
		return types.MetricsSnapshot{}
	}
	s := types.MetricsSnapshot{
		RequestsCompleted: atomic.LoadUint64(&a.completed),
		RequestsFailed:    atomic.LoadUint64(&a.failed),
		RequestsTimedOut:  atomic.LoadUint64(&a.timedOut),
		RequestsCancelled: atomic.LoadUint64(&a.cancelled),
		AdmissionDenials:  atomic.LoadUint64(&a.denials),
		BatchesDispatched: atomic.LoadUint64(&a.batches),
	}
	if s.BatchesDispatched > 0 {
		s.AvgBatchSize = float64(atomic.LoadUint64(&a.batched)) / float64(s.BatchesDispatched)
	}
	// Averages run over the resolutions that actually carried a timing;
	// timed-out dispatches contribute timings without being completed.
	if n := atomic.LoadUint64(&a.queueN); n > 0 {
		s.AvgQueueMillis = float64(atomic.LoadUint64(&a.queueNS)) / float64(n) / 1e6
	}
	if n := atomic.LoadUint64(&a.execN); n > 0 {
		s.AvgExecMillis = float64(atomic.LoadUint64(&a.execNS)) / float64(n) / 1e6
	}
	return s
}
