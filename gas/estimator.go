// Package gas estimates the gas ceiling of a prepared call.
package gas

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/log"
)

const (
	moduleName = "gas"

	// DefaultBufferRatio is the fraction added on top of the raw estimate.
	DefaultBufferRatio = 0.20
	// DefaultFallbackLimit is used when the network cannot estimate the call.
	DefaultFallbackLimit uint64 = 100_000
)

// Simulator runs the network's estimation facility against a call.
type Simulator interface {
	EstimateResources(ctx context.Context, call common.Call) (uint64, error)
}

// Estimate is the gas ceiling of one submission attempt.
type Estimate struct {
	// Base is the raw estimate, or the fallback if estimation failed.
	Base uint64
	// Limit is Base with the safety buffer applied, rounded up.
	Limit uint64
	// Degraded is set when Base is the configured fallback.
	Degraded bool
}

func (e Estimate) String() string {
	s := fmt.Sprintf("gas{base: %d, limit: %d}", e.Base, e.Limit)
	if e.Degraded {
		s += " (degraded)"
	}
	return s
}

// Estimator applies a multiplicative safety buffer to network estimates.
type Estimator struct {
	simulator Simulator
	ratio     decimal.Decimal
	fallback  uint64
	logger    *log.Logger
}

// NewEstimator creates an estimator adding bufferRatio on top of every
// estimate; a zero ratio applies no buffer. A zero fallbackLimit selects
// DefaultFallbackLimit.
func NewEstimator(simulator Simulator, bufferRatio float64, fallbackLimit uint64, logger *log.Logger) *Estimator {
	if fallbackLimit == 0 {
		fallbackLimit = DefaultFallbackLimit
	}
	return &Estimator{
		simulator: simulator,
		ratio:     decimal.NewFromFloat(bufferRatio),
		fallback:  fallbackLimit,
		logger:    logger.WithModule(moduleName),
	}
}

// Estimate estimates call. Estimation failures are not returned: the call
// may still succeed on-chain (state can change between estimation and
// inclusion), so the fallback is used and flagged as degraded instead.
func (e *Estimator) Estimate(ctx context.Context, call common.Call) Estimate {
	base, err := e.simulator.EstimateResources(ctx, call)
	switch {
	case err != nil:
		e.logger.Warn("gas estimation failed, using fallback limit",
			"call", call,
			"err", err,
			"fallback_limit", e.fallback,
		)
		return Estimate{Base: e.fallback, Limit: e.fallback, Degraded: true}
	case base == 0:
		e.logger.Warn("gas estimation returned zero, using fallback limit",
			"call", call,
			"fallback_limit", e.fallback,
		)
		return Estimate{Base: e.fallback, Limit: e.fallback, Degraded: true}
	}
	return Estimate{Base: base, Limit: e.Buffer(base)}
}

// Buffer returns ceil(base * (1 + ratio)).
func (e *Estimator) Buffer(base uint64) uint64 {
	limit := decimal.NewFromBigInt(new(big.Int).SetUint64(base), 0).Mul(decimal.NewFromInt(1).Add(e.ratio)).Ceil()
	return limit.BigInt().Uint64()
}
