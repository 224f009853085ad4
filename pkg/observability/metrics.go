package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for transaction terminations.
const (
	OutcomeCommitted  = "committed"
	OutcomeAborted    = "aborted"
	OutcomeUnresolved = "unresolved"
)

// Metrics holds all Prometheus metrics for pgfan. A nil *Metrics is valid
// and records nothing, so tests can run without touching the default
// registry.
type Metrics struct {
	// Counters
	ClientConnectionsTotal *prometheus.CounterVec
	StatementsTotal        *prometheus.CounterVec
	TransactionsTotal      *prometheus.CounterVec
	CoordinationRetries    prometheus.Counter
	UnresolvedParticipants prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec

	// Gauges
	SessionsActive prometheus.Gauge

	// Histograms
	TransactionDuration *prometheus.HistogramVec
	PhaseDuration       *prometheus.HistogramVec
}

// DefaultMetrics creates a Metrics instance registered on the default
// registry. Call once per process.
func DefaultMetrics() *Metrics {
	return &Metrics{
		ClientConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfan_client_connections_total",
				Help: "Total number of client connections",
			},
			[]string{"database", "user"},
		),
		StatementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfan_statements_total",
				Help: "Total number of statements dispatched to shards",
			},
			[]string{"category", "status"},
		),
		TransactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfan_transactions_total",
				Help: "Total number of transaction blocks by outcome",
			},
			[]string{"outcome"},
		),
		CoordinationRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pgfan_coordination_retries_total",
				Help: "Total number of retried prepare/resolve requests",
			},
		),
		UnresolvedParticipants: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pgfan_unresolved_participants_total",
				Help: "Shard participants left for out-of-band reconciliation",
			},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfan_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgfan_sessions_active",
				Help: "Number of active client sessions",
			},
		),
		TransactionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgfan_transaction_duration_seconds",
				Help:    "Time from terminal decision to full resolution",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"outcome"},
		),
		PhaseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgfan_phase_duration_seconds",
				Help:    "Duration of individual coordination phases",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3.2s
			},
			[]string{"phase"},
		),
	}
}

// ObserveCommit records a terminated transaction block.
func (m *Metrics) ObserveCommit(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(outcome).Inc()
	m.TransactionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObservePhase records the duration of one coordination phase.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// IncRetries counts one prepare/resolve retry.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.CoordinationRetries.Inc()
}

// AddUnresolved counts participants abandoned to reconciliation.
func (m *Metrics) AddUnresolved(n int) {
	if m == nil {
		return
	}
	m.UnresolvedParticipants.Add(float64(n))
}

// IncError counts one error by taxonomy label.
func (m *Metrics) IncError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// IncStatement counts one dispatched statement.
func (m *Metrics) IncStatement(category, status string) {
	if m == nil {
		return
	}
	m.StatementsTotal.WithLabelValues(category, status).Inc()
}
