package invoicing

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts reconciliation outcomes.
type Metrics struct {
	receipts      *prometheus.CounterVec
	overpayments  prometheus.Counter
	repairs       prometheus.Counter
	notifyFailure *prometheus.CounterVec
}

// NewMetrics registers the collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	receipts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoicing_receipts_recorded_total",
		Help: "Receipts recorded partitioned by currency.",
	}, []string{"currency"})
	overpayments := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invoicing_overpayment_rejections_total",
		Help: "Receipts rejected by the overpayment guard.",
	})
	repairs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invoicing_ledger_repairs_total",
		Help: "Invoices whose cached paid amount or status was repaired from the ledger.",
	})
	notifyFailure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoicing_notification_failures_total",
		Help: "Notifications that could not be queued, by kind.",
	}, []string{"kind"})
	registerer.MustRegister(receipts, overpayments, repairs, notifyFailure)
	return &Metrics{receipts: receipts, overpayments: overpayments, repairs: repairs, notifyFailure: notifyFailure}
}

func (m *Metrics) receiptRecorded(currency Currency) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(string(currency)).Inc()
}

func (m *Metrics) overpaymentRejected() {
	if m == nil {
		return
	}
	m.overpayments.Inc()
}

func (m *Metrics) ledgerRepaired() {
	if m == nil {
		return
	}
	m.repairs.Inc()
}

func (m *Metrics) notificationFailed(kind string) {
	if m == nil {
		return
	}
	m.notifyFailure.WithLabelValues(kind).Inc()
}
