// Package contracts holds the ABIs the app talks to: the standard ERC-20
// token interface and the Multicall aggregation contract.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20JSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const multicallJSON = `[
	{"type":"function","name":"aggregate","stateMutability":"payable",
	 "inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
	 "outputs":[{"name":"blockNumber","type":"uint256"},{"name":"returnData","type":"bytes[]"}]},
	{"type":"function","name":"tryAggregate","stateMutability":"payable",
	 "inputs":[{"name":"requireSuccess","type":"bool"},{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
	 "outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
]`

var (
	ERC20     = mustParse(erc20JSON)
	Multicall = mustParse(multicallJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("contracts: invalid ABI: %v", err))
	}
	return parsed
}

// Call is one entry of a Multicall batch.
type Call struct {
	Target   common.Address
	CallData []byte
}

// Result is one entry returned by tryAggregate.
type Result struct {
	Success    bool
	ReturnData []byte
}

// PackTransfer encodes transfer(to, value).
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return ERC20.Pack("transfer", to, value)
}

// PackERC20 encodes a call to any ERC-20 method.
func PackERC20(method string, args ...any) ([]byte, error) {
	return ERC20.Pack(method, args...)
}

// UnpackERC20 decodes the single return value of an ERC-20 read.
func UnpackERC20(method string, data []byte) (any, error) {
	out, err := ERC20.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(out))
	}
	return out[0], nil
}

// PackAggregate encodes aggregate(calls).
func PackAggregate(calls []Call) ([]byte, error) {
	return Multicall.Pack("aggregate", calls)
}

// UnpackAggregateCalls decodes the calls of aggregate calldata, selector
// included.
func UnpackAggregateCalls(data []byte) ([]Call, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("unpack aggregate: calldata too short")
	}
	args, err := Multicall.Methods["aggregate"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate: %w", err)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("unpack aggregate: expected 1 argument, got %d", len(args))
	}
	return *abi.ConvertType(args[0], new([]Call)).(*[]Call), nil
}

// PackTryAggregate encodes tryAggregate(requireSuccess, calls).
func PackTryAggregate(requireSuccess bool, calls []Call) ([]byte, error) {
	return Multicall.Pack("tryAggregate", requireSuccess, calls)
}

// UnpackTryAggregateCalls decodes tryAggregate calldata, selector included.
func UnpackTryAggregateCalls(data []byte) (bool, []Call, error) {
	if len(data) < 4 {
		return false, nil, fmt.Errorf("unpack tryAggregate: calldata too short")
	}
	args, err := Multicall.Methods["tryAggregate"].Inputs.Unpack(data[4:])
	if err != nil {
		return false, nil, fmt.Errorf("unpack tryAggregate: %w", err)
	}
	if len(args) != 2 {
		return false, nil, fmt.Errorf("unpack tryAggregate: expected 2 arguments, got %d", len(args))
	}
	requireSuccess, _ := args[0].(bool)
	return requireSuccess, *abi.ConvertType(args[1], new([]Call)).(*[]Call), nil
}

// UnpackTryAggregate decodes the result array of tryAggregate.
func UnpackTryAggregate(data []byte) ([]Result, error) {
	out, err := Multicall.Unpack("tryAggregate", data)
	if err != nil {
		return nil, fmt.Errorf("unpack tryAggregate: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack tryAggregate: expected 1 value, got %d", len(out))
	}
	return *abi.ConvertType(out[0], new([]Result)).(*[]Result), nil
}

// PackTryAggregateResult encodes a tryAggregate return value. Useful for
// fake RPC backends.
func PackTryAggregateResult(results []Result) ([]byte, error) {
	return Multicall.Methods["tryAggregate"].Outputs.Pack(results)
}

// PackERC20Result encodes the return value of an ERC-20 read.
func PackERC20Result(method string, value any) ([]byte, error) {
	m, ok := ERC20.Methods[method]
	if !ok {
		return nil, fmt.Errorf("unknown ERC-20 method %s", method)
	}
	return m.Outputs.Pack(value)
}
