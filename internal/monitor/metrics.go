package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bracket engine. It owns its
// registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Engines
	EngineTicks  *prometheus.CounterVec // labels: engine
	EngineErrors *prometheus.CounterVec // labels: engine
	TickDuration *prometheus.HistogramVec

	// Broker
	BrokerCalls    *prometheus.CounterVec // labels: op, outcome=ok|client_error|exhausted|breaker_open
	BrokerAttempts *prometheus.CounterVec // labels: op
	RateLimitWait  prometheus.Histogram

	// Prices
	PriceResolutions *prometheus.CounterVec // labels: path=cache|batch|fallback|failed
	BatchInstruments prometheus.Histogram

	// Bracket lifecycle
	Builds              *prometheus.CounterVec // labels: workflow, outcome
	OCOCloses           *prometheus.CounterVec // labels: trigger=stoploss|target
	TrailingAdjustments prometheus.Counter
	SyncTransitions     *prometheus.CounterVec // labels: role
	Alerts              *prometheus.CounterVec // labels: kind
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EngineTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_engine_ticks_total",
			Help: "Background engine ticks",
		}, []string{"engine"}),
		EngineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_engine_errors_total",
			Help: "Errors logged by background engines",
		}, []string{"engine"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bracket_engine_tick_seconds",
			Help:    "Duration of one engine tick",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),
		BrokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_broker_calls_total",
			Help: "Broker operations by final outcome",
		}, []string{"op", "outcome"}),
		BrokerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_broker_attempts_total",
			Help: "Individual HTTP attempts made against the broker",
		}, []string{"op"}),
		RateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bracket_rate_limit_wait_seconds",
			Help:    "Time spent waiting for rate limiter admission",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 15, 60},
		}),
		PriceResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_price_resolutions_total",
			Help: "Price resolutions by the path that answered",
		}, []string{"path"}),
		BatchInstruments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bracket_batch_quote_instruments",
			Help:    "Instruments per batched quote request",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_builds_total",
			Help: "Order build requests by outcome",
		}, []string{"workflow", "outcome"}),
		OCOCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_oco_closes_total",
			Help: "Brackets closed by the OCO engine",
		}, []string{"trigger"}),
		TrailingAdjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracket_trailing_adjustments_total",
			Help: "Stop-loss replacements made by the trailing engine",
		}),
		SyncTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_sync_transitions_total",
			Help: "Ledger status changes applied from the broker order book",
		}, []string{"role"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracket_alerts_total",
			Help: "Operator alerts raised",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.EngineTicks, m.EngineErrors, m.TickDuration,
		m.BrokerCalls, m.BrokerAttempts, m.RateLimitWait,
		m.PriceResolutions, m.BatchInstruments,
		m.Builds, m.OCOCloses, m.TrailingAdjustments, m.SyncTransitions, m.Alerts,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTick records one engine tick and its duration.
func (m *Metrics) ObserveTick(engine string, start time.Time) {
	if m == nil {
		return
	}
	m.EngineTicks.WithLabelValues(engine).Inc()
	m.TickDuration.WithLabelValues(engine).Observe(time.Since(start).Seconds())
}

// EngineError counts a logged engine failure.
func (m *Metrics) EngineError(engine string) {
	if m == nil {
		return
	}
	m.EngineErrors.WithLabelValues(engine).Inc()
}

// The helpers below are nil-safe so components can run without metrics.

func (m *Metrics) BrokerCall(op, outcome string) {
	if m != nil {
		m.BrokerCalls.WithLabelValues(op, outcome).Inc()
	}
}

func (m *Metrics) BrokerAttempt(op string) {
	if m != nil {
		m.BrokerAttempts.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RateWait(d time.Duration) {
	if m != nil {
		m.RateLimitWait.Observe(d.Seconds())
	}
}

func (m *Metrics) PriceResolved(path string) {
	if m != nil {
		m.PriceResolutions.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) BatchSize(n int) {
	if m != nil {
		m.BatchInstruments.Observe(float64(n))
	}
}

func (m *Metrics) Build(workflow, outcome string) {
	if m != nil {
		m.Builds.WithLabelValues(workflow, outcome).Inc()
	}
}

func (m *Metrics) OCOClose(trigger string) {
	if m != nil {
		m.OCOCloses.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) TrailingAdjusted() {
	if m != nil {
		m.TrailingAdjustments.Inc()
	}
}

func (m *Metrics) SyncTransition(role string) {
	if m != nil {
		m.SyncTransitions.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) Alert(kind string) {
	if m != nil {
		m.Alerts.WithLabelValues(kind).Inc()
	}
}
