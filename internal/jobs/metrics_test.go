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

	require.NoError(t, m.Track("stock:verify").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("stock:verify").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("stock:verify", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("stock:verify", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("stock:verify")))
}

func TestCountersIgnoreNonPositive(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddStockMismatches(0)
	m.AddStockMismatches(3)
	m.AddOverdue(-1)
	m.AddOverdue(4)
	require.Equal(t, 3.0, testutil.ToFloat64(m.mismatches))
	require.Equal(t, 4.0, testutil.ToFloat64(m.overdue))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.AddOverdue(2)
	m.AddStockMismatches(2)
	require.NoError(t, m.Track("invoices:overdue").End(nil))
}
