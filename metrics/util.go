package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce registers collector with the default registry. Components
// are constructed once per command but tests construct them many times, so
// an identical collector that is already registered is returned instead.
// Any other registration failure is a programming error and panics.
func registerOnce(collector prometheus.Collector) prometheus.Collector {
	err := prometheus.Register(collector)
	if err == nil {
		return collector
	}
	are := &prometheus.AlreadyRegisteredError{}
	if errors.As(err, are) {
		return are.ExistingCollector
	}
	panic(err)
}
