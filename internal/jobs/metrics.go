// Package jobmetrics instruments background job runs.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics groups the job collectors. Methods on a nil *Metrics are no-ops.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	mismatches prometheus.Counter
	overdue    prometheus.Counter
}

var shared = sync.OnceValue(func() *Metrics {
	return register(prometheus.DefaultRegisterer)
})

// NewMetrics registers the collectors on reg. A nil reg yields a process wide
// instance bound to the default registerer, so repeated calls do not panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return shared()
	}
	return register(reg)
}

func register(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrobooks_jobs_total",
			Help: "Job executions by task type and outcome.",
		}, []string{"job", "status"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrobooks_jobs_failures_total",
			Help: "Failed job executions by task type.",
		}, []string{"job"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agrobooks_job_duration_seconds",
			Help:    "Wall time of job executions.",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		mismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "agrobooks_stock_mismatches_total",
			Help: "Products whose stock history did not replay to the recorded quantity.",
		}),
		overdue: f.NewCounter(prometheus.CounterOpts{
			Name: "agrobooks_invoices_marked_overdue_total",
			Help: "Invoices moved to Overdue by the background refresh.",
		}),
	}
}

// Tracker times one run of a job.
type Tracker struct {
	m     *Metrics
	job   string
	began time.Time
}

// Track starts timing job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{m: m, job: job, began: time.Now()}
}

// End records the outcome of the run and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.m == nil || t.job == "" {
		return err
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
		t.m.failures.WithLabelValues(t.job).Inc()
	}
	t.m.runs.WithLabelValues(t.job, outcome).Inc()
	t.m.duration.WithLabelValues(t.job).Observe(time.Since(t.began).Seconds())
	return err
}

// AddStockMismatches counts products whose history drifted from their counters.
func (m *Metrics) AddStockMismatches(n int) {
	if m != nil && n > 0 {
		m.mismatches.Add(float64(n))
	}
}

// AddOverdue counts invoices flipped to Overdue by the refresh job.
func (m *Metrics) AddOverdue(n int64) {
	if m != nil && n > 0 {
		m.overdue.Add(float64(n))
	}
}
