package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	alertsIngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeval_alerts_ingested_total",
		Help: "Total number of canonical alerts produced by normalizers",
	}, []string{"source_type"})
	recordsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeval_records_skipped_total",
		Help: "Total number of raw records dropped at the normalizer boundary",
	}, []string{"source_type", "reason"})
	validationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeval_validations_total",
		Help: "Total number of validation decisions by status and rule",
	}, []string{"status", "rule"})
	lookupFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "changeval_ticket_lookup_failures_total",
		Help: "Total number of direct ticket lookups that failed or timed out",
	})
	syslogDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeval_syslog_dropped_total",
		Help: "Total number of syslog alerts dropped because the queue was full",
	}, []string{"policy"})
	jobRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeval_job_runs_total",
		Help: "Total number of scheduled job runs by job and result",
	}, []string{"job", "result"})
	correlationScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "changeval_correlation_score",
		Help:    "Distribution of best-candidate correlation scores",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		alertsIngestedTotal,
		recordsSkippedTotal,
		validationsTotal,
		lookupFailuresTotal,
		syslogDroppedTotal,
		jobRunsTotal,
		correlationScore,
	)
}

// IncAlertIngested increments the ingested alerts counter for a source.
func IncAlertIngested(sourceType string) { alertsIngestedTotal.WithLabelValues(sourceType).Inc() }

// IncRecordSkipped increments the skipped records counter.
func IncRecordSkipped(sourceType, reason string) {
	recordsSkippedTotal.WithLabelValues(sourceType, reason).Inc()
}

// IncValidation increments the validation decision counter.
func IncValidation(status, rule string) { validationsTotal.WithLabelValues(status, rule).Inc() }

// IncLookupFailure increments the failed ticket lookup counter.
func IncLookupFailure() { lookupFailuresTotal.Inc() }

// IncSyslogDropped increments the syslog overflow counter.
func IncSyslogDropped(policy string) { syslogDroppedTotal.WithLabelValues(policy).Inc() }

// ObserveCorrelationScore records the score of a best candidate.
func ObserveCorrelationScore(score float64) { correlationScore.Observe(score) }

// IncJobRun increments the scheduled job counter.
func IncJobRun(job, result string) { jobRunsTotal.WithLabelValues(job, result).Inc() }
