package common

import (
	"encoding/json"
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestBigIntJSON(t *testing.T) {
	v := BigIntFrom(new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil))
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `"1000000000000000000000000000000"`, string(b))

	var back BigInt
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, 0, back.Cmp(&v.Int))

	zero := BigIntFrom(nil)
	require.Equal(t, "0", zero.String())
}

func TestCallString(t *testing.T) {
	c := Call{
		To:   ethCommon.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Data: []byte{0x01, 0x23, 0x45, 0x67, 0x89},
	}
	require.Equal(t, "call{to: 0x5FbDB2315678afecb367f032d93F642f64180aa3, value: 0, selector: 01234567, data_len: 5}", c.String())
	require.Equal(t, 0, c.ValueOrZero().Sign())
}
