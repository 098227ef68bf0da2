package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/casetrace/casetrace/internal/domain"
)

// Metrics tracks engine throughput. Prometheus instruments feed dashboards
// while the mutex-guarded counters back GetMetrics/ResetMetrics, which need
// point-in-time reads and resets that Prometheus counters cannot provide.
type Metrics struct {
	mu            sync.Mutex
	total         int64
	successful    int64
	failed        int64
	cacheHits     int64
	byKind        map[domain.AnalysisKind]int64
	totalDuration time.Duration

	requestsTotal *prometheus.CounterVec
	cacheHitsProm prometheus.Counter
	duration      prometheus.Histogram
}

// NewMetrics creates engine metrics. The registerer parameter allows
// flexible registration (global registry, test registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		byKind: make(map[domain.AnalysisKind]int64),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casetrace_engine_requests_total",
			Help: "Total analysis requests by kind and outcome",
		}, []string{"kind", "status"}),
		cacheHitsProm: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casetrace_engine_cache_hits_total",
			Help: "Analysis results served from cache",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "casetrace_engine_request_duration_seconds",
			Help:    "Strategy execution time per analysis request",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.cacheHitsProm, m.duration)
	}
	return m
}

func (m *Metrics) recordCacheHit(kind domain.AnalysisKind) {
	m.mu.Lock()
	m.total++
	m.cacheHits++
	m.mu.Unlock()

	m.cacheHitsProm.Inc()
	m.requestsTotal.WithLabelValues(string(kind), "cached").Inc()
}

func (m *Metrics) recordResult(kind domain.AnalysisKind, success bool, elapsed time.Duration) {
	m.mu.Lock()
	m.total++
	m.byKind[kind]++
	m.totalDuration += elapsed
	if success {
		m.successful++
	} else {
		m.failed++
	}
	m.mu.Unlock()

	status := "success"
	if !success {
		status = "failure"
	}
	m.requestsTotal.WithLabelValues(string(kind), status).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// Snapshot returns the current counters as a JSON-compatible map.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKind := make(map[string]int64, len(m.byKind))
	for kind, count := range m.byKind {
		byKind[string(kind)] = count
	}

	executed := m.successful + m.failed
	avgMS := 0.0
	if executed > 0 {
		avgMS = float64(m.totalDuration.Milliseconds()) / float64(executed)
	}

	return map[string]interface{}{
		"total_requests":      m.total,
		"successful_requests": m.successful,
		"failed_requests":     m.failed,
		"cache_hits":          m.cacheHits,
		"requests_by_kind":    byKind,
		"total_duration_ms":   m.totalDuration.Milliseconds(),
		"average_duration_ms": avgMS,
	}
}

// Reset zeroes the snapshot counters. Prometheus instruments are
// monotonic and stay untouched.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = 0
	m.successful = 0
	m.failed = 0
	m.cacheHits = 0
	m.byKind = make(map[domain.AnalysisKind]int64)
	m.totalDuration = 0
}
