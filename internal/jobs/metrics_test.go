package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("invoices:overdue-sweep").End(nil))
	err := errors.New("boom")
	require.ErrorIs(t, m.Track("invoices:overdue-sweep").End(err), err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("invoices:overdue-sweep", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("invoices:overdue-sweep", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("invoices:overdue-sweep")))
}

func TestDomainCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.EmailDelivered("payment_received", nil)
	m.EmailDelivered("", errors.New("x"))
	m.AddOverdue(3)
	m.AddOverdue(0)
	m.AddRepaired(2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.emails.WithLabelValues("payment_received", "sent")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.emails.WithLabelValues("unknown", "failed")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.overdue))
	require.Equal(t, 2.0, testutil.ToFloat64(m.repaired))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("x").End(nil))
	m.EmailDelivered("x", nil)
	m.AddOverdue(1)
}
