package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type InvoiceMetrics struct {
	minted       prometheus.Counter
	transitions  *prometheus.CounterVec
	rulings      *prometheus.CounterVec
	openDisputes prometheus.Gauge
	released     prometheus.Counter
}

var (
	invoiceOnce     sync.Once
	invoiceRegistry *InvoiceMetrics
)

func Invoice() *InvoiceMetrics {
	invoiceOnce.Do(func() {
		invoiceRegistry = &InvoiceMetrics{
			minted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "invoice_minted_total",
				Help: "Count of purchase orders minted.",
			}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "invoice_transitions_total",
				Help: "Count of applied lifecycle transitions by action.",
			}, []string{"action"}),
			rulings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "invoice_rulings_total",
				Help: "Count of arbitration rulings received by outcome.",
			}, []string{"outcome"}),
			openDisputes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "invoice_open_disputes",
				Help: "Number of disputes awaiting an arbitration ruling.",
			}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "invoice_custody_releases_total",
				Help: "Count of terminal custody releases.",
			}),
		}
		prometheus.MustRegister(
			invoiceRegistry.minted,
			invoiceRegistry.transitions,
			invoiceRegistry.rulings,
			invoiceRegistry.openDisputes,
			invoiceRegistry.released,
		)
	})
	return invoiceRegistry
}

func (m *InvoiceMetrics) ObserveMinted() {
	if m == nil {
		return
	}
	m.minted.Inc()
}

func (m *InvoiceMetrics) ObserveTransition(action string) {
	if m == nil {
		return
	}
	if action == "" {
		action = "unknown"
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *InvoiceMetrics) ObserveRuling(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.rulings.WithLabelValues(outcome).Inc()
}

func (m *InvoiceMetrics) ObserveDisputeOpened() {
	if m == nil {
		return
	}
	m.openDisputes.Inc()
}

func (m *InvoiceMetrics) ObserveDisputeClosed() {
	if m == nil {
		return
	}
	m.openDisputes.Dec()
}

func (m *InvoiceMetrics) ObserveCustodyRelease() {
	if m == nil {
		return
	}
	m.released.Inc()
}
