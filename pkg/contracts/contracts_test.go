package contracts

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectors(t *testing.T) {
	tests := []struct {
		abiMethod []byte
		expected  string
	}{
		{ERC20.Methods["balanceOf"].ID, "70a08231"},
		{ERC20.Methods["decimals"].ID, "313ce567"},
		{ERC20.Methods["symbol"].ID, "95d89b41"},
		{ERC20.Methods["transfer"].ID, "a9059cbb"},
		{Multicall.Methods["aggregate"].ID, "252dba42"},
		{Multicall.Methods["tryAggregate"].ID, "bce38bd7"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, hex.EncodeToString(tt.abiMethod))
	}
}

func TestPackTransfer(t *testing.T) {
	to := common.HexToAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B")
	data, err := PackTransfer(to, big.NewInt(1000))
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)

	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	assert.Equal(t, to.Bytes(), data[4+12:4+32])
	assert.Equal(t, int64(1000), new(big.Int).SetBytes(data[36:]).Int64())
}

func TestTryAggregateRoundTrip(t *testing.T) {
	balance, err := PackERC20Result("balanceOf", big.NewInt(500000000))
	require.NoError(t, err)

	encoded, err := PackTryAggregateResult([]Result{
		{Success: true, ReturnData: balance},
		{Success: false, ReturnData: []byte{}},
	})
	require.NoError(t, err)

	results, err := UnpackTryAggregate(encoded)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)

	v, err := UnpackERC20("balanceOf", results[0].ReturnData)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500000000), v)
}

func TestUnpackERC20_Symbol(t *testing.T) {
	data, err := PackERC20Result("symbol", "USDC")
	require.NoError(t, err)

	v, err := UnpackERC20("symbol", data)
	require.NoError(t, err)
	assert.Equal(t, "USDC", v)

	_, err = UnpackERC20("symbol", []byte{0x01})
	assert.Error(t, err)
}

func TestPackAggregate(t *testing.T) {
	inner, err := PackTransfer(common.HexToAddress("0x01"), big.NewInt(1))
	require.NoError(t, err)

	data, err := PackAggregate([]Call{{Target: common.HexToAddress("0x02"), CallData: inner}})
	require.NoError(t, err)
	assert.Equal(t, "252dba42", hex.EncodeToString(data[:4]))

	calls, err := UnpackAggregateCalls(data)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, common.HexToAddress("0x02"), calls[0].Target)
	assert.Equal(t, inner, calls[0].CallData)
}

func TestUnpackTryAggregateCalls(t *testing.T) {
	inner, err := PackERC20("decimals")
	require.NoError(t, err)

	data, err := PackTryAggregate(false, []Call{{Target: common.HexToAddress("0x03"), CallData: inner}})
	require.NoError(t, err)

	requireSuccess, calls, err := UnpackTryAggregateCalls(data)
	require.NoError(t, err)
	assert.False(t, requireSuccess)
	require.Len(t, calls, 1)
	assert.Equal(t, inner, calls[0].CallData)

	_, _, err = UnpackTryAggregateCalls([]byte{0xbc})
	assert.Error(t, err)
}
