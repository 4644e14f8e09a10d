// Package metrics exposes Prometheus collectors for the engine, resolver,
// HTTP API and Kafka consumer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/resolver"
)

const namespace = "timeledger"

// Metrics implements engine.Observer and resolver.Observer.
type Metrics struct {
	eventsTotal     *prometheus.CounterVec
	anomaliesTotal  *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	closedTotal     *prometheus.CounterVec
	passesTotal     *prometheus.CounterVec
	resolvedTotal   *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	consumedTotal   *prometheus.CounterVec
	reorderBuffered prometheus.Gauge
}

var (
	_ engine.Observer   = (*Metrics)(nil)
	_ resolver.Observer = (*Metrics)(nil)
)

// New creates and registers the collectors on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "events_total",
		Help: "Processed presence events by category and transition.",
	}, []string{"category", "transition"})
	registerer.MustRegister(eventsTotal)

	anomaliesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "anomalies_total",
		Help: "Events recorded as anomalous sessions.",
	}, []string{"category", "kind"})
	registerer.MustRegister(anomaliesTotal)

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "errors_total",
		Help: "Events that failed to apply, by error code.",
	}, []string{"category", "code"})
	registerer.MustRegister(errorsTotal)

	closedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "side_closes_total",
		Help: "Sessions closed as a side effect of another event.",
	}, []string{"category"})
	registerer.MustRegister(closedTotal)

	passesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "resolver", Name: "passes_total",
		Help: "Resolver passes by result.",
	}, []string{"result"})
	registerer.MustRegister(passesTotal)

	resolvedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "resolver", Name: "sessions_total",
		Help: "Sessions changed by the resolver, by action.",
	}, []string{"action"})
	registerer.MustRegister(resolvedTotal)

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP API requests by route and status code.",
	}, []string{"route", "code"})
	registerer.MustRegister(requestsTotal)

	consumedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "kafka", Name: "messages_total",
		Help: "Kafka messages consumed by result.",
	}, []string{"result"})
	registerer.MustRegister(consumedTotal)

	reorderBuffered := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "kafka", Name: "reorder_buffered",
		Help: "Events held in the reorder window.",
	})
	registerer.MustRegister(reorderBuffered)

	return &Metrics{
		eventsTotal:     eventsTotal,
		anomaliesTotal:  anomaliesTotal,
		errorsTotal:     errorsTotal,
		closedTotal:     closedTotal,
		passesTotal:     passesTotal,
		resolvedTotal:   resolvedTotal,
		requestsTotal:   requestsTotal,
		consumedTotal:   consumedTotal,
		reorderBuffered: reorderBuffered,
	}
}

// EventProcessed records one engine decision.
func (m *Metrics) EventProcessed(category ir.Category, o engine.Outcome, err error) {
	cat := string(category)
	if err != nil {
		m.errorsTotal.WithLabelValues(cat, errorCode(err)).Inc()
		return
	}
	m.eventsTotal.WithLabelValues(cat, string(o.Transition)).Inc()
	if o.Anomaly != "" {
		m.anomaliesTotal.WithLabelValues(cat, string(o.Anomaly)).Inc()
	}
	if n := len(o.Closed); n > 0 {
		m.closedTotal.WithLabelValues(cat).Add(float64(n))
	}
}

// PassCompleted records one resolver pass.
func (m *Metrics) PassCompleted(s resolver.Stats, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.passesTotal.WithLabelValues(result).Inc()
	m.resolvedTotal.WithLabelValues("closed").Add(float64(s.Closed))
	m.resolvedTotal.WithLabelValues("merged").Add(float64(s.Merged))
	m.resolvedTotal.WithLabelValues("recovered").Add(float64(s.Recovered))
}

// RequestServed records one HTTP response.
func (m *Metrics) RequestServed(route, code string) {
	m.requestsTotal.WithLabelValues(route, code).Inc()
}

// MessageConsumed records one Kafka message outcome: "applied",
// "invalid" or "failed".
func (m *Metrics) MessageConsumed(result string) {
	m.consumedTotal.WithLabelValues(result).Inc()
}

// ReorderBuffered sets the number of events held for reordering.
func (m *Metrics) ReorderBuffered(n int) {
	m.reorderBuffered.Set(float64(n))
}

func errorCode(err error) string {
	switch {
	case ir.IsValidation(err):
		return string(ir.ErrCodeValidation)
	case ir.IsConsistency(err):
		return string(ir.ErrCodeConsistency)
	case ir.IsStoreUnavailable(err):
		return string(ir.ErrCodeStoreUnavailable)
	default:
		return "OTHER"
	}
}
