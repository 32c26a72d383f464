package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SubmissionMetrics instruments the submission executor.
type SubmissionMetrics struct {
	// Counts of submission attempts, partitioned by outcome.
	attempts *prometheus.CounterVec

	// Counts of finished submissions, partitioned by result.
	submissions *prometheus.CounterVec

	// Time from broadcast to confirmation of successful attempts.
	confirmationLatencies prometheus.Histogram

	// Counts of quotes and estimates built from fallback constants.
	degraded *prometheus.CounterVec
}

// NewDefaultSubmissionMetrics creates Prometheus metric instrumentation
// for the submission executor.
func NewDefaultSubmissionMetrics() SubmissionMetrics {
	m := SubmissionMetrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submission_attempts",
				Help: "How many submission attempts were made, partitioned by outcome (confirmed, transient, fatal).",
			},
			[]string{"outcome"}, // Labels.
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submissions",
				Help: "How many submissions finished, partitioned by result (confirmed, fatal, exhausted).",
			},
			[]string{"result"}, // Labels.
		),
		confirmationLatencies: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "submission_confirmation_latencies",
				Help:    "How long confirmed attempts waited between broadcast and confirmation.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		degraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submission_degraded_inputs",
				Help: "How many fee quotes or gas estimates fell back to configured constants, partitioned by source (fee, gas).",
			},
			[]string{"source"}, // Labels.
		),
	}
	m.attempts = registerOnce(m.attempts).(*prometheus.CounterVec)
	m.submissions = registerOnce(m.submissions).(*prometheus.CounterVec)
	m.confirmationLatencies = registerOnce(m.confirmationLatencies).(prometheus.Histogram)
	m.degraded = registerOnce(m.degraded).(*prometheus.CounterVec)
	return m
}

// Attempts returns the counter for attempts with the given outcome.
func (m *SubmissionMetrics) Attempts(outcome string) prometheus.Counter {
	return m.attempts.WithLabelValues(outcome)
}

// Submissions returns the counter for submissions with the given result.
func (m *SubmissionMetrics) Submissions(result string) prometheus.Counter {
	return m.submissions.WithLabelValues(result)
}

// ConfirmationLatencies returns the confirmation latency histogram.
func (m *SubmissionMetrics) ConfirmationLatencies() prometheus.Observer {
	return m.confirmationLatencies
}

// Degraded returns the counter for degraded inputs from source.
func (m *SubmissionMetrics) Degraded(source string) prometheus.Counter {
	return m.degraded.WithLabelValues(source)
}
