// Package metrics provides Prometheus metrics for the opportunity engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ScansStarted            *prometheus.CounterVec
	ScansFailed             *prometheus.CounterVec
	ScanDuration            *prometheus.HistogramVec
	OpportunitiesCreated    prometheus.Counter
	OpportunitiesSkipped    prometheus.Counter
	CoverageEntriesVerified prometheus.Counter
	TriggersRecalibrated    prometheus.Counter
	KafkaMessagesProduced   prometheus.Counter
	KafkaMessagesConsumed   prometheus.Counter
	OutboxPending           prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ScansStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scans_started_total",
			Help: "Total scans started, by scan kind",
		}, []string{"kind"}),
		ScansFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scans_failed_total",
			Help: "Total scans that failed, by scan kind",
		}, []string{"kind"}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Scan duration, by scan kind",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		OpportunitiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opportunities_created_total",
			Help: "Total opportunities created",
		}),
		OpportunitiesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opportunities_skipped_total",
			Help: "Total opportunities skipped as duplicates",
		}),
		CoverageEntriesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coverage_entries_verified_total",
			Help: "Total coverage entries written by verification scans",
		}),
		TriggersRecalibrated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triggers_recalibrated_total",
			Help: "Total trigger default GP recalibrations",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.ScansStarted,
		m.ScansFailed,
		m.ScanDuration,
		m.OpportunitiesCreated,
		m.OpportunitiesSkipped,
		m.CoverageEntriesVerified,
		m.TriggersRecalibrated,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
