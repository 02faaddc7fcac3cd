// Package metrics defines the Prometheus metrics of the settlement core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the services, workers and HTTP layer update.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Settlement
	JobsEnqueued     *prometheus.CounterVec
	JobTransitions   *prometheus.CounterVec
	JobsByStatus     *prometheus.GaugeVec
	SettledVolume    *prometheus.CounterVec
	AdapterErrors    *prometheus.CounterVec
	ClaimDuration    prometheus.Histogram
	ClaimedBatchSize prometheus.Histogram

	// Trading
	Trades      *prometheus.CounterVec
	TradeVolume prometheus.Counter
	TradeErrors *prometheus.CounterVec

	// Oracle
	OracleEvents *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldmarket_settlement_jobs_enqueued_total",
			Help: "Settlement jobs created, by job and tx type",
		}, []string{"job_type", "tx_type"}),

		JobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldmarket_settlement_job_transitions_total",
			Help: "Settlement job status transitions, by target status",
		}, []string{"status"}),

		JobsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shieldmarket_settlement_jobs",
			Help: "Settlement jobs currently in each status",
		}, []string{"status"}),

		SettledVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldmarket_settlement_confirmed_amount_total",
			Help: "Minor units moved by confirmed jobs, by job type",
		}, []string{"job_type"}),

		AdapterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldmarket_settlement_adapter_errors_total",
			Help: "Signer and chain adapter failures, by operation",
		}, []string{"op"}),

		ClaimDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shieldmarket_settlement_claim_duration_seconds",
			Help:    "Time to claim a batch of pending jobs",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		ClaimedBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shieldmarket_settlement_claimed_batch_size",
			Help:    "Jobs returned per claim",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		Trades: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldmarket_trades_total",
			Help: "Executed AMM trades, by side",
		}, []string{"side"}),

		TradeVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "shieldmarket_trade_volume_total",
			Help: "Minor units debited by executed trades",
		}),

		TradeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldmarket_trade_errors_total",
			Help: "Rejected trades, by error kind",
		}, []string{"kind"}),

		OracleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldmarket_oracle_events_total",
			Help: "Oracle protocol events",
		}, []string{"event"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldmarket_http_requests_total",
			Help: "HTTP requests, by method, route and status code",
		}, []string{"method", "route", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shieldmarket_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// JobEnqueued counts a newly created job.
func (m *Metrics) JobEnqueued(jobType, txType string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(jobType, txType).Inc()
}

// JobTransitioned counts a status change.
func (m *Metrics) JobTransitioned(status string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(status).Inc()
}

// JobConfirmed adds a confirmed job's amount to settled volume.
func (m *Metrics) JobConfirmed(jobType string, amount int64) {
	if m == nil {
		return
	}
	m.SettledVolume.WithLabelValues(jobType).Add(float64(amount))
}

// SetJobCounts replaces the per-status gauges.
func (m *Metrics) SetJobCounts(counts map[string]int64) {
	if m == nil {
		return
	}
	m.JobsByStatus.Reset()
	for status, n := range counts {
		m.JobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// AdapterError counts a signer or adapter failure.
func (m *Metrics) AdapterError(op string) {
	if m == nil {
		return
	}
	m.AdapterErrors.WithLabelValues(op).Inc()
}

// ObserveClaim records one claim round.
func (m *Metrics) ObserveClaim(d time.Duration, n int) {
	if m == nil {
		return
	}
	m.ClaimDuration.Observe(d.Seconds())
	m.ClaimedBatchSize.Observe(float64(n))
}

// TradeExecuted counts a trade and its debited amount.
func (m *Metrics) TradeExecuted(side string, amount int64) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(side).Inc()
	m.TradeVolume.Add(float64(amount))
}

// TradeRejected counts a failed trade by error kind.
func (m *Metrics) TradeRejected(kind string) {
	if m == nil {
		return
	}
	m.TradeErrors.WithLabelValues(kind).Inc()
}

// OracleEvent counts an oracle protocol event.
func (m *Metrics) OracleEvent(event string) {
	if m == nil {
		return
	}
	m.OracleEvents.WithLabelValues(event).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
