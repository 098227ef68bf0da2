package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/casetrace/casetrace/internal/domain"
)

// Metrics tracks pipeline throughput. As in the engine, the mutex-guarded
// counters back GetMetrics while the Prometheus instruments feed scrapes.
type Metrics struct {
	mu              sync.Mutex
	investigations  int64
	byStatus        map[domain.InvestigationStatus]int64
	phasesExecuted  int64
	phasesFailed    int64
	adaptiveActions int64
	phaseDuration   time.Duration

	investigationsProm *prometheus.CounterVec
	phasesProm         *prometheus.CounterVec
	durationProm       prometheus.Histogram
}

// NewMetrics creates pipeline metrics registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		byStatus: make(map[domain.InvestigationStatus]int64),
		investigationsProm: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casetrace_pipeline_investigations_total",
			Help: "Completed investigations by terminal status",
		}, []string{"status"}),
		phasesProm: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casetrace_pipeline_phases_total",
			Help: "Executed phases by kind and terminal status",
		}, []string{"kind", "status"}),
		durationProm: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "casetrace_pipeline_phase_duration_seconds",
			Help:    "Wall time per investigation phase",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.investigationsProm, m.phasesProm, m.durationProm)
	}
	return m
}

func (m *Metrics) recordInvestigation(status domain.InvestigationStatus) {
	m.mu.Lock()
	m.investigations++
	m.byStatus[status]++
	m.mu.Unlock()

	m.investigationsProm.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) recordPhase(kind domain.AnalysisKind, status domain.PhaseStatus, elapsed time.Duration) {
	m.mu.Lock()
	m.phasesExecuted++
	if status == domain.PhaseFailed {
		m.phasesFailed++
	}
	m.phaseDuration += elapsed
	m.mu.Unlock()

	m.phasesProm.WithLabelValues(string(kind), string(status)).Inc()
	m.durationProm.Observe(elapsed.Seconds())
}

func (m *Metrics) recordAdaptive() {
	m.mu.Lock()
	m.adaptiveActions++
	m.mu.Unlock()
}

// Snapshot returns the counters as a JSON-compatible map.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[string]int64, len(m.byStatus))
	for status, count := range m.byStatus {
		byStatus[string(status)] = count
	}
	return map[string]interface{}{
		"investigations_total":     m.investigations,
		"investigations_by_status": byStatus,
		"phases_executed":          m.phasesExecuted,
		"phases_failed":            m.phasesFailed,
		"adaptive_actions":         m.adaptiveActions,
		"total_phase_duration_ms":  m.phaseDuration.Milliseconds(),
	}
}
