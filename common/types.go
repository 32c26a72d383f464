// Package common contains types shared by the submission and time-lock layers.
package common

import (
	"fmt"
	"math/big"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Arbitrary-precision integer. Wrapper around big.Int to allow for
// custom JSON marshaling as a decimal string.
type BigInt struct {
	big.Int
}

func NewBigInt(v int64) BigInt {
	return BigInt{*big.NewInt(v)}
}

// BigIntFrom copies v; a nil v yields zero.
func BigIntFrom(v *big.Int) BigInt {
	var b BigInt
	if v != nil {
		b.Set(v)
	}
	return b
}

func (b BigInt) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BigInt) UnmarshalText(text []byte) error {
	return b.Int.UnmarshalText(text)
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, b.String())), nil
}

func (b *BigInt) UnmarshalJSON(text []byte) error {
	v := strings.Trim(string(text), "\"")
	return b.Int.UnmarshalJSON([]byte(v))
}

// Call is a prepared state-changing call: the exact target, value and
// payload that will be estimated, signed and submitted.
type Call struct {
	To    ethCommon.Address
	Value *big.Int
	Data  []byte
}

// ValueOrZero returns the call value, treating nil as zero.
func (c Call) ValueOrZero() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

func (c Call) String() string {
	selector := "0x"
	if len(c.Data) >= 4 {
		selector = ethCommon.Bytes2Hex(c.Data[:4])
	}
	return fmt.Sprintf("call{to: %s, value: %s, selector: %s, data_len: %d}", c.To.Hex(), c.ValueOrZero(), selector, len(c.Data))
}

// Key used to set values in a web request context.
type ContextKey string

// RequestIDContextKey is used to set a request id for tracing
// in a request context.
const RequestIDContextKey ContextKey = "request_id"
