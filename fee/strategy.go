package fee

import (
	"context"
	"math/big"

	"github.com/oasisprotocol/govkeeper/log"
)

const moduleName = "fee"

// Escalation percentages applied to the reported fee market, so that a
// quote survives minor drift between quote time and inclusion time.
const (
	priorityFeeEscalationPct = 110
	maxFeeEscalationPct      = 120
	gasPriceEscalationPct    = 110
)

// Market is the network's current pricing signal. Fields the network
// does not support are nil.
type Market struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasPrice             *big.Int
}

// MarketSource reads the fee market. Implementations must bound the
// read with their own request timeout.
type MarketSource interface {
	QueryFeeMarket(ctx context.Context) (*Market, error)
}

// Strategy turns fee-market readings into quotes.
type Strategy struct {
	source   MarketSource
	fallback *big.Int
	logger   *log.Logger
}

// NewStrategy creates a strategy that quotes fallbackGasPrice (in wei)
// whenever the market cannot be read.
func NewStrategy(source MarketSource, fallbackGasPrice *big.Int, logger *log.Logger) *Strategy {
	return &Strategy{
		source:   source,
		fallback: new(big.Int).Set(fallbackGasPrice),
		logger:   logger.WithModule(moduleName),
	}
}

// Quote reads the fee market once and derives a quote from it. It never
// fails: an unreadable market yields the degraded fallback quote.
func (s *Strategy) Quote(ctx context.Context) Quote {
	market, err := s.source.QueryFeeMarket(ctx)
	if err != nil {
		s.logger.Warn("fee market query failed, using fallback gas price",
			"err", err,
			"fallback_gas_price_gwei", Gwei(s.fallback),
		)
		return s.fallbackQuote()
	}
	if quote, ok := QuoteFromMarket(market); ok {
		return quote
	}
	s.logger.Warn("fee market reported no usable price, using fallback gas price",
		"fallback_gas_price_gwei", Gwei(s.fallback),
	)
	return s.fallbackQuote()
}

func (s *Strategy) fallbackQuote() FixedFee {
	return FixedFee{GasPrice: new(big.Int).Set(s.fallback), IsDegraded: true}
}

// QuoteFromMarket applies the escalation rule to a market reading. It
// returns false if the reading contains no positive price at all.
func QuoteFromMarket(m *Market) (Quote, bool) {
	if m == nil {
		return nil, false
	}
	if positive(m.MaxFeePerGas) && positive(m.MaxPriorityFeePerGas) {
		priority := escalate(m.MaxPriorityFeePerGas, priorityFeeEscalationPct)
		maxFee := escalate(m.MaxFeePerGas, maxFeeEscalationPct)
		if maxFee.Cmp(priority) < 0 {
			maxFee.Set(priority)
		}
		return DynamicFee{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, true
	}
	if positive(m.GasPrice) {
		return FixedFee{GasPrice: escalate(m.GasPrice, gasPriceEscalationPct)}, true
	}
	return nil, false
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func escalate(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Quo(out, big.NewInt(100))
}
