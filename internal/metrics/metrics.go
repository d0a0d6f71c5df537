package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tia"

type Metrics struct {
	registry *prometheus.Registry

	// Counters
	ItemsIngested      prometheus.Counter
	ItemsByTier        *prometheus.CounterVec
	DuplicatesFiltered prometheus.Counter
	ProviderAttempts   *prometheus.CounterVec
	Generations        *prometheus.CounterVec
	ChainExhausted     prometheus.Counter
	CacheHits          prometheus.Counter
	ScorerViolations   prometheus.Counter
	Runs               *prometheus.CounterVec
	NotificationsSent  prometheus.Counter

	// Timings
	RunDuration        prometheus.Histogram
	GenerationDuration *prometheus.HistogramVec

	// Status
	MemoryRecords prometheus.Gauge

	mu     sync.RWMutex
	health Health
}

// Health is the status snapshot served on /health.
type Health struct {
	Healthy        bool          `json:"healthy"`
	LastRunTime    time.Time     `json:"last_run_time,omitempty"`
	LastRunID      string        `json:"last_run_id,omitempty"`
	LastOutcome    string        `json:"last_outcome,omitempty"`
	LastDuration   time.Duration `json:"last_duration_ns"`
	LastErrorTime  time.Time     `json:"last_error_time,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	CompletedRuns  int64         `json:"completed_runs"`
	AverageRunTime time.Duration `json:"average_run_time_ns"`
	totalRunTime   time.Duration
}

// New creates a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ItemsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_ingested_total",
			Help:      "Items received by the pipeline",
		}),
		ItemsByTier: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_tiered_total",
			Help:      "Items by assigned tier",
		}, []string{"tier"}),
		DuplicatesFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "duplicates_total",
			Help:      "Items dropped by the dedup memory",
		}),
		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "attempts_total",
			Help:      "Provider attempts by result (success, transient, permanent)",
		}, []string{"provider", "result"}),
		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "generations_total",
			Help:      "Successful generations by provider",
		}, []string{"provider"}),
		ChainExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "exhausted_total",
			Help:      "Items for which every provider failed",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "cache_hits_total",
			Help:      "Generations served from the prompt cache",
		}),
		ScorerViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scorer_contract_violations_total",
			Help:      "Scores outside [0,100] clamped by the tier classifier",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"outcome"}),
		NotificationsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Run summaries delivered to the operator channel",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		GenerationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "generation_duration_seconds",
			Help:      "Duration of successful generations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		MemoryRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "active_records",
			Help:      "Memory records inside the dedup window at the last filter",
		}),
		health: Health{Healthy: true},
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun updates the run counters and the health snapshot.
func (m *Metrics) RecordRun(runID, outcome string, d time.Duration, err error) {
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	h := &m.health
	h.LastRunTime = time.Now()
	h.LastRunID = runID
	h.LastOutcome = outcome
	h.LastDuration = d
	h.CompletedRuns++
	h.totalRunTime += d
	h.AverageRunTime = h.totalRunTime / time.Duration(h.CompletedRuns)

	if err != nil {
		h.LastErrorTime = h.LastRunTime
		h.LastError = err.Error()
		h.Healthy = false
		return
	}
	h.Healthy = true
}

// Health returns a copy of the current health snapshot.
func (m *Metrics) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}
