package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// KeeperMetrics instruments the keeper sweep loop.
type KeeperMetrics struct {
	observed    *prometheus.GaugeVec
	executions  *prometheus.CounterVec
	sweepErrors prometheus.Counter
}

// NewDefaultKeeperMetrics creates Prometheus metric instrumentation for the keeper.
func NewDefaultKeeperMetrics() KeeperMetrics {
	m := KeeperMetrics{
		observed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keeper_operations",
				Help: "How many journaled operations were observed in each remote state during the last sweep.",
			},
			[]string{"state"}, // Labels.
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_executions",
				Help: "How many executions the keeper issued, partitioned by result (success, failure).",
			},
			[]string{"result"}, // Labels.
		),
		sweepErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keeper_sweep_errors",
				Help: "How many sweeps ended with at least one error.",
			},
		),
	}
	m.observed = registerOnce(m.observed).(*prometheus.GaugeVec)
	m.executions = registerOnce(m.executions).(*prometheus.CounterVec)
	m.sweepErrors = registerOnce(m.sweepErrors).(prometheus.Counter)
	return m
}

// Observed returns the gauge for operations observed in state.
func (m *KeeperMetrics) Observed(state string) prometheus.Gauge {
	return m.observed.WithLabelValues(state)
}

// Executions returns the counter for executions with the given result.
func (m *KeeperMetrics) Executions(result string) prometheus.Counter {
	return m.executions.WithLabelValues(result)
}

// SweepErrors returns the counter for failed sweeps.
func (m *KeeperMetrics) SweepErrors() prometheus.Counter {
	return m.sweepErrors
}
