// Package metrics holds the Prometheus collectors of the ledger service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	operations  *prometheus.CounterVec
	outbox      *prometheus.CounterVec
	idempotency *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by operation and outcome code.",
		}, []string{"operation", "outcome"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery attempts by event type and result.",
		}, []string{"event_type", "result"}),
		idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "idempotency_requests_total",
			Help:      "Idempotency gate decisions.",
		}, []string{"decision"}),
	}
	reg.MustRegister(m.operations, m.outbox, m.idempotency)
	return m
}

func (m *Metrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveDelivery(eventType string, ok bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "failed"
	}
	m.outbox.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) ObserveIdempotency(decision string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(decision).Inc()
}
