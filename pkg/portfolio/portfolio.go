// Package portfolio reads token balances for an owner, either through one
// Multicall tryAggregate round trip or one eth_call per field, and values
// them in USD.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"multisend/pkg/contracts"
	"multisend/pkg/metrics"
	"multisend/pkg/models"
	"multisend/pkg/utils"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// NativePriceID is the price key used to value the native balance.
const NativePriceID = "ethereum"

// FieldsPerToken is the number of read descriptors generated per token.
const FieldsPerToken = 3

var ErrCallFailed = errors.New("call failed")

// Reader is the read-only subset of ethclient.Client used here.
type Reader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// PriceSource never fails; an unavailable feed yields an empty map.
type PriceSource interface {
	FetchPrices(ctx context.Context, ids []string) models.PriceData
}

// Readable returns the registry tokens that have a contract to read.
func Readable(tokens []models.Token) []models.Token {
	out := make([]models.Token, 0, len(tokens))
	for _, t := range tokens {
		if !t.IsNative {
			out = append(out, t)
		}
	}
	return out
}

// GenerateBatchedContracts builds balanceOf, decimals and symbol reads for
// every readable token, in that order.
func GenerateBatchedContracts(tokens []models.Token, owner common.Address) []models.ContractCall {
	readable := Readable(tokens)
	calls := make([]models.ContractCall, 0, len(readable)*FieldsPerToken)
	for _, t := range readable {
		calls = append(calls,
			models.ContractCall{Target: t.Address, Method: "balanceOf", Args: []any{owner}},
			models.ContractCall{Target: t.Address, Method: "decimals"},
			models.ContractCall{Target: t.Address, Method: "symbol"},
		)
	}
	return calls
}

// ProcessTokenBalances turns the results of GenerateBatchedContracts into
// balances. A token whose three reads did not all succeed is left out.
func ProcessTokenBalances(tokens []models.Token, results []models.CallResult, prices models.PriceData) []models.TokenBalance {
	readable := Readable(tokens)
	balances := make([]models.TokenBalance, 0, len(readable))
	for i, t := range readable {
		base := i * FieldsPerToken
		if base+FieldsPerToken > len(results) {
			break
		}
		bal, dec, sym := results[base], results[base+1], results[base+2]
		if bal.Status != models.CallSuccess || dec.Status != models.CallSuccess || sym.Status != models.CallSuccess {
			continue
		}

		raw, ok1 := bal.Result.(*big.Int)
		decimals, ok2 := dec.Result.(uint8)
		symbol, ok3 := sym.Result.(string)
		if !ok1 || !ok2 || !ok3 {
			continue
		}

		price := prices.USD(t.PriceID)
		name := t.Name
		if name == "" {
			name = symbol
		}
		balances = append(balances, models.TokenBalance{
			Address:  t.Address,
			Symbol:   symbol,
			Name:     name,
			Balance:  utils.FormatUnits(raw, decimals),
			Decimals: decimals,
			USDPrice: price,
			USDValue: utils.UnitsToFloat(raw, decimals) * price,
		})
	}
	return balances
}

// CalculateTotalPortfolioValue sums token values and the native balance.
func CalculateTotalPortfolioValue(balances []models.TokenBalance, ethBalanceRaw *big.Int, prices models.PriceData) float64 {
	var total float64
	for _, b := range balances {
		total += b.USDValue
	}
	return total + utils.UnitsToFloat(ethBalanceRaw, 18)*prices.USD(NativePriceID)
}

// PriceIDs lists the distinct price-feed ids of a registry.
func PriceIDs(tokens []models.Token) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, t := range tokens {
		if t.PriceID != "" && !seen[t.PriceID] {
			seen[t.PriceID] = true
			ids = append(ids, t.PriceID)
		}
	}
	return ids
}

type Aggregator struct {
	reader    Reader
	prices    PriceSource
	multicall common.Address
	tokens    []models.Token
	logger    *log.Logger
	metrics   *metrics.Metrics
}

func NewAggregator(reader Reader, prices PriceSource, multicall common.Address, tokens []models.Token, logger *log.Logger, m *metrics.Metrics) *Aggregator {
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		reader:    reader,
		prices:    prices,
		multicall: multicall,
		tokens:    tokens,
		logger:    logger,
		metrics:   m,
	}
}

// ReadBatched issues every read in a single tryAggregate call. Individual
// sub-call failures are reported in the results, not as an error.
func (a *Aggregator) ReadBatched(ctx context.Context, owner common.Address) ([]models.CallResult, error) {
	descriptors := GenerateBatchedContracts(a.tokens, owner)
	if len(descriptors) == 0 {
		return nil, nil
	}

	calls := make([]contracts.Call, 0, len(descriptors))
	for _, d := range descriptors {
		data, err := contracts.PackERC20(d.Method, d.Args...)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", d.Method, err)
		}
		calls = append(calls, contracts.Call{Target: d.Target, CallData: data})
	}
	data, err := contracts.PackTryAggregate(false, calls)
	if err != nil {
		return nil, err
	}

	multicall := a.multicall
	out, err := a.reader.CallContract(ctx, ethereum.CallMsg{To: &multicall, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("multicall: %w", err)
	}
	raw, err := contracts.UnpackTryAggregate(out)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(descriptors) {
		return nil, fmt.Errorf("multicall: expected %d results, got %d", len(descriptors), len(raw))
	}

	results := make([]models.CallResult, len(descriptors))
	for i, r := range raw {
		if !r.Success {
			results[i] = models.CallResult{Status: models.CallFailure, Err: ErrCallFailed}
			continue
		}
		results[i] = decode(descriptors[i].Method, r.ReturnData)
	}
	return results, nil
}

// ReadIndividual issues the same reads as ReadBatched, one eth_call each.
func (a *Aggregator) ReadIndividual(ctx context.Context, owner common.Address) ([]models.CallResult, error) {
	descriptors := GenerateBatchedContracts(a.tokens, owner)
	results := make([]models.CallResult, len(descriptors))
	for i, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := contracts.PackERC20(d.Method, d.Args...)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", d.Method, err)
		}
		target := d.Target
		out, err := a.reader.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
		if err != nil {
			results[i] = models.CallResult{Status: models.CallFailure, Err: err}
			continue
		}
		results[i] = decode(d.Method, out)
	}
	return results, nil
}

func decode(method string, data []byte) models.CallResult {
	v, err := contracts.UnpackERC20(method, data)
	if err != nil {
		return models.CallResult{Status: models.CallFailure, Err: err}
	}
	return models.CallResult{Status: models.CallSuccess, Result: v}
}

// Refresh fetches prices, token balances and the native balance
// concurrently. A price feed outage only zeroes valuations.
func (a *Aggregator) Refresh(ctx context.Context, owner common.Address) (models.Portfolio, error) {
	var (
		prices  models.PriceData
		results []models.CallResult
		native  *big.Int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if a.prices != nil {
			prices = a.prices.FetchPrices(gctx, PriceIDs(a.tokens))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		results, err = a.ReadBatched(gctx, owner)
		return err
	})
	g.Go(func() error {
		var err error
		native, err = a.reader.BalanceAt(gctx, owner, nil)
		if err != nil {
			return fmt.Errorf("native balance: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		a.logger.Error("portfolio refresh failed", "owner", owner.Hex(), "err", err)
		return models.Portfolio{}, err
	}
	if prices == nil {
		prices = models.PriceData{}
	}

	balances := ProcessTokenBalances(a.tokens, results, prices)
	p := models.Portfolio{
		Owner:      owner,
		Balances:   balances,
		Prices:     prices,
		EthBalance: utils.FormatEther(native),
		TotalUSD:   CalculateTotalPortfolioValue(balances, native, prices),
		UpdatedAt:  time.Now(),
	}
	a.logger.Debug("portfolio refreshed", "owner", owner.Hex(), "tokens", len(balances), "total_usd", p.TotalUSD)
	return p, nil
}

// Compare times one full batched read against one full individual read.
func (a *Aggregator) Compare(ctx context.Context, owner common.Address) (models.ReadComparison, error) {
	start := time.Now()
	if _, err := a.ReadBatched(ctx, owner); err != nil {
		return models.ReadComparison{}, err
	}
	batched := time.Since(start)
	a.metrics.ObserveRead("batched", batched)

	start = time.Now()
	if _, err := a.ReadIndividual(ctx, owner); err != nil {
		return models.ReadComparison{}, err
	}
	individual := time.Since(start)
	a.metrics.ObserveRead("individual", individual)

	cmp := models.ReadComparison{
		Batched:            batched,
		Individual:         individual,
		BatchedRequests:    1,
		IndividualRequests: len(GenerateBatchedContracts(a.tokens, owner)),
		MeasuredAt:         time.Now(),
	}
	a.logger.Info("read comparison", "batched", batched, "individual", individual, "calls", cmp.IndividualRequests)
	return cmp, nil
}
