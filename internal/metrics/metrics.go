// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal          *prometheus.CounterVec
	fetchBytesTotal       *prometheus.CounterVec
	retriesTotal          *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	phaseDurationSeconds  *prometheus.HistogramVec
	phaseTasksTotal       *prometheus.CounterVec
	artifactsStoredTotal  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Total fetch attempts, labeled by source kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_bytes_total",
				Help: "Total bytes fetched, labeled by source kind.",
			},
			[]string{"kind"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_retries_total",
				Help: "Total retry attempts, labeled by error class.",
			},
			[]string{"class"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Delay introduced by the rate limiter, labeled by service.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"service"},
		)

		phaseDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_phase_duration_seconds",
				Help:    "Wall-clock duration of pipeline phases.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"phase"},
		)

		phaseTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_phase_tasks_total",
				Help: "Task outcomes per phase.",
			},
			[]string{"phase", "outcome"},
		)

		artifactsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_artifacts_stored_total",
				Help: "Raw artifacts stored, labeled by content kind and dedup result.",
			},
			[]string{"content_kind", "result"},
		)
	})
}

// CountFetch records one fetch attempt outcome.
func CountFetch(kind, outcome string) {
	Init()
	fetchesTotal.WithLabelValues(kind, outcome).Inc()
}

// AddFetchBytes adds fetched payload bytes for a kind.
func AddFetchBytes(kind string, n int64) {
	Init()
	if n > 0 {
		fetchBytesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// CountRetry records one retried attempt.
func CountRetry(class string) {
	Init()
	retriesTotal.WithLabelValues(class).Inc()
}

// ObserveRateLimitDelay records time spent waiting on a token.
func ObserveRateLimitDelay(service string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(service).Observe(d.Seconds())
}

// ObservePhaseDuration records how long a phase ran.
func ObservePhaseDuration(phase string, d time.Duration) {
	Init()
	phaseDurationSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// CountTask records one task outcome for a phase.
func CountTask(phase, outcome string) {
	Init()
	phaseTasksTotal.WithLabelValues(phase, outcome).Inc()
}

// CountArtifact records a raw store put, result being "stored" or "dedup".
func CountArtifact(contentKind, result string) {
	Init()
	artifactsStoredTotal.WithLabelValues(contentKind, result).Inc()
}
