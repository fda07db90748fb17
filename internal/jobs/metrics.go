package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	difference *prometheus.GaugeVec
	unbalanced *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetIntegrityDifference records posted debits minus credits of one fiscal
// year as seen by the last integrity check.
func (m *Metrics) SetIntegrityDifference(organizationID int64, fiscalYear string, difference float64) {
	if m == nil {
		return
	}
	m.difference.WithLabelValues(formatInt(organizationID), fiscalYear).Set(difference)
}

// SetUnbalancedVouchers records how many posted vouchers of each organization
// the last integrity check found out of balance. A check over every
// organization replaces all series, so organizations that were fixed drop out.
func (m *Metrics) SetUnbalancedVouchers(counts map[int64]int, allOrganizations bool) {
	if m == nil {
		return
	}
	if allOrganizations {
		m.unbalanced.Reset()
	}
	for org, count := range counts {
		m.unbalanced.WithLabelValues(formatInt(org)).Set(float64(count))
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	difference := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_integrity_difference",
		Help: "Posted debit minus credit per organization and fiscal year at the last integrity check.",
	}, []string{"organization", "fiscal_year"})
	unbalanced := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_integrity_unbalanced_vouchers",
		Help: "Posted vouchers out of balance per organization at the last integrity check.",
	}, []string{"organization"})
	registerer.MustRegister(runs, failures, duration, difference, unbalanced)
	return &Metrics{runs: runs, failures: failures, duration: duration, difference: difference, unbalanced: unbalanced}
}
