// Package metrics provides Prometheus metrics for the dosage service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Calculation outcomes
const (
	OutcomeCalculated      = "calculated"
	OutcomeContraindicated = "contraindicated"
	OutcomeRejected        = "rejected"
	OutcomeNotFound        = "not_found"
	OutcomeError           = "error"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	Calculations          *prometheus.CounterVec
	AppliedAdjustments    *prometheus.CounterVec
	CalculationDuration   prometheus.Histogram
	BatchSize             prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosage_calculations_total",
			Help: "Dosage calculations by outcome",
		}, []string{"outcome"}),
		AppliedAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosage_adjustments_total",
			Help: "Applied dose adjustments by kind and band",
		}, []string{"kind", "band"}),
		CalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dosage_calculation_duration_seconds",
			Help:    "Dosage calculation duration including history writes",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dosage_batch_size",
			Help:    "Requests per batch calculation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
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
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.Calculations,
		m.AppliedAdjustments,
		m.CalculationDuration,
		m.BatchSize,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveCalculation records one calculation outcome and its latency
func (m *Metrics) ObserveCalculation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Calculations.WithLabelValues(outcome).Inc()
	m.CalculationDuration.Observe(elapsed.Seconds())
}

// ObserveAdjustment records an applied renal or hepatic adjustment
func (m *Metrics) ObserveAdjustment(kind, band string) {
	if m == nil {
		return
	}
	m.AppliedAdjustments.WithLabelValues(kind, band).Inc()
}

// ObserveBatch records the size of a batch request
func (m *Metrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
}

// MessageProduced counts a produced Kafka record
func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// MessageConsumed counts a consumed Kafka record
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending publishes the number of unpublished outbox rows
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState publishes a circuit breaker state (0 closed, 1 open, 2 half-open)
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
