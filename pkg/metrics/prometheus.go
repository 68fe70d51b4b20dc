package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	signalsEmitted *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	lastPrice      *prometheus.GaugeVec
	latency        *prometheus.HistogramVec
	openPositions  prometheus.Gauge
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		signalsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botai_signals_emitted_total",
				Help: "Total number of signals emitted to backend",
			},
			[]string{"backend", "symbol"},
		),
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botai_scheduler_runs_total",
				Help: "Total per-symbol scheduler runs by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botai_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "botai_last_price",
				Help: "Last recorded price for a symbol",
			},
			[]string{"symbol"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botai_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		openPositions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "botai_open_positions",
				Help: "Number of positions currently under management",
			},
		),
	}
}

// RecordSignal records a signal emitted to a backend.
func (r *Recorder) RecordSignal(backend, symbol string) {
	r.signalsEmitted.WithLabelValues(backend, symbol).Inc()
}

// RecordRun records a completed scheduler run for a symbol.
func (r *Recorder) RecordRun(symbol, outcome string) {
	r.runsTotal.WithLabelValues(symbol, outcome).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// RecordOpenPositions records the current number of managed positions.
func (r *Recorder) RecordOpenPositions(n int) {
	r.openPositions.Set(float64(n))
}
