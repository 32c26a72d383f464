package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Default service metrics for journal operations.
type JournalMetrics struct {
	// Counts of journal operations.
	journalOperations *prometheus.CounterVec

	// Latencies of journal operations.
	journalLatencies *prometheus.HistogramVec
}

// NewDefaultJournalMetrics creates Prometheus metric instrumentation
// for the operation journal. Default metrics include:
//
// 1. Counts of journal operations.
// 2. Latencies for journal operations.
func NewDefaultJournalMetrics(backend string) JournalMetrics {
	metrics := JournalMetrics{
		journalOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("journal_%s_operations", backend),
				Help: "How many journal operations occur, partitioned by operation and status.",
			},
			[]string{"operation", "status"}, // Labels.
		),
		journalLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: fmt.Sprintf("journal_%s_latencies", backend),
				Help: "How long journal operations take, partitioned by operation.",
			},
			[]string{"operation"}, // Labels.
		),
	}
	metrics.journalOperations = registerOnce(metrics.journalOperations).(*prometheus.CounterVec)
	metrics.journalLatencies = registerOnce(metrics.journalLatencies).(*prometheus.HistogramVec)
	return metrics
}

// JournalOperations returns the counter for the journal operation.
// The provided params are used as labels.
func (m *JournalMetrics) JournalOperations(operation, status string) prometheus.Counter {
	return m.journalOperations.WithLabelValues(operation, status)
}

// JournalLatencies returns a new latency timer for the provided
// journal operation.
func (m *JournalMetrics) JournalLatencies(operation string) *prometheus.Timer {
	return prometheus.NewTimer(m.journalLatencies.WithLabelValues(operation))
}
