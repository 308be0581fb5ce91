package rpc

import (
	"context"
	"fmt"
	"math/big"

	"multisend/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// Prober is the subset of ethclient.Client used by the config test.
type Prober interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// ProbeChainID reports the chain id served by url. A non-zero expected id
// that does not match is recorded as an error on an otherwise ok result.
func ProbeChainID(ctx context.Context, client Prober, url string, expected int64) models.RPCResult {
	res := models.RPCResult{URL: url}
	id, err := client.ChainID(ctx)
	if err != nil {
		res.Status = "error"
		res.Error = fmt.Sprintf("failed to get chain id: %v", err)
		return res
	}
	res.Status = "ok"
	res.ChainID = id.Int64()
	if expected != 0 && id.Cmp(big.NewInt(expected)) != 0 {
		res.Error = fmt.Sprintf("mismatch, expected %d", expected)
	}
	return res
}

// NamedContract is an address checked by CheckContracts.
type NamedContract struct {
	Name    string
	Address common.Address
}

// CheckContracts reports whether each contract has deployed code.
func CheckContracts(ctx context.Context, client Prober, contracts []NamedContract) []models.ContractCheck {
	checks := make([]models.ContractCheck, 0, len(contracts))
	for _, nc := range contracts {
		c := models.ContractCheck{Name: nc.Name, Address: nc.Address.Hex()}
		code, err := client.CodeAt(ctx, nc.Address, nil)
		if err != nil {
			c.Error = err.Error()
		} else {
			c.HasCode = len(code) > 0
		}
		checks = append(checks, c)
	}
	return checks
}
