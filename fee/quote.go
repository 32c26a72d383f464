// Package fee decides the fee parameters of a submission from the
// current fee market.
package fee

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Quote is the fee parameterisation of one submission attempt. It is
// either a DynamicFee or a FixedFee; consumers are expected to switch
// over both:
//
//	switch q := quote.(type) {
//	case fee.DynamicFee:
//	case fee.FixedFee:
//	}
type Quote interface {
	// Degraded reports whether the quote was built from a fallback
	// constant because the fee market could not be read.
	Degraded() bool

	fmt.Stringer

	isQuote()
}

// DynamicFee is an EIP-1559 quote.
type DynamicFee struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FixedFee is a legacy gas-price quote.
type FixedFee struct {
	GasPrice *big.Int

	// IsDegraded is set on the configured fallback quote.
	IsDegraded bool
}

var (
	_ Quote = DynamicFee{}
	_ Quote = FixedFee{}
)

func (DynamicFee) isQuote() {}

// Degraded implements Quote. Dynamic quotes are always built from live data.
func (DynamicFee) Degraded() bool { return false }

func (q DynamicFee) String() string {
	return fmt.Sprintf("dynamic{max_fee: %s gwei, max_priority_fee: %s gwei}", Gwei(q.MaxFeePerGas), Gwei(q.MaxPriorityFeePerGas))
}

func (FixedFee) isQuote() {}

// Degraded implements Quote.
func (q FixedFee) Degraded() bool { return q.IsDegraded }

func (q FixedFee) String() string {
	s := fmt.Sprintf("fixed{gas_price: %s gwei}", Gwei(q.GasPrice))
	if q.IsDegraded {
		s += " (degraded)"
	}
	return s
}

// Gwei renders a wei amount in gwei.
func Gwei(wei *big.Int) string {
	if wei == nil {
		return "<nil>"
	}
	return decimal.NewFromBigInt(wei, -9).String()
}
