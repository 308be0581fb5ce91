// Package gas estimates what a multi-send costs when every recipient gets
// its own transaction versus one batched aggregate call.
package gas

import (
	"context"
	"math/big"

	"multisend/pkg/contracts"
	"multisend/pkg/metrics"
	"multisend/pkg/models"
	"multisend/pkg/utils"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Fallbacks used when a simulation call fails.
const (
	NativeTransferGas = 21000
	TokenTransferGas  = 65000

	// A failed aggregate estimate is modelled as a fixed overhead plus a
	// 30% discount on the individual sum.
	BatchOverheadGas = 50000
	BatchCostPercent = 70
)

// Client is the subset of ethclient.Client the estimator needs.
type Client interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

type Estimator struct {
	client     Client
	aggregator common.Address
	logger     *log.Logger
	metrics    *metrics.Metrics
}

func NewEstimator(client Client, aggregator common.Address, logger *log.Logger, m *metrics.Metrics) *Estimator {
	if logger == nil {
		logger = log.Default()
	}
	return &Estimator{client: client, aggregator: aggregator, logger: logger, metrics: m}
}

// Estimate returns nil when there is nothing to estimate, when an input is
// missing, or when the procedure itself fails. Single simulation failures
// are replaced by fallbacks and never abort the run.
func (e *Estimator) Estimate(ctx context.Context, recipients []models.Recipient, token models.Token, caller common.Address, gasPrice *big.Int) *models.GasEstimate {
	if len(recipients) == 0 || gasPrice == nil || caller == (common.Address{}) || e == nil || e.client == nil {
		return nil
	}

	var (
		individual, batch uint64
		err               error
	)
	if token.IsNative {
		individual, err = e.estimateNative(ctx, recipients, token, caller)
		batch = individual
	} else {
		var calls []contracts.Call
		individual, calls, err = e.estimateTransfers(ctx, recipients, token, caller)
		if err == nil {
			batch, err = e.estimateAggregate(ctx, calls, caller, individual)
		}
	}
	if err != nil {
		e.logger.Error("gas estimation failed", "token", token.Symbol, "recipients", len(recipients), "err", err)
		e.metrics.Estimate("error")
		return nil
	}

	e.metrics.Estimate("ok")
	return &models.GasEstimate{
		IndividualGas:    individual,
		BatchGas:         batch,
		SavingsPercent:   Savings(individual, batch),
		IndividualFeeEth: Fee(individual, gasPrice),
		BatchFeeEth:      Fee(batch, gasPrice),
	}
}

func (e *Estimator) estimateNative(ctx context.Context, recipients []models.Recipient, token models.Token, caller common.Address) (uint64, error) {
	var total uint64
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		value, err := utils.ParseUnits(r.Amount, token.Decimals)
		if err != nil {
			return 0, err
		}
		to := common.HexToAddress(r.Address)
		gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: caller, To: &to, Value: value})
		if err != nil {
			e.logger.Warn("native transfer estimate failed, using fallback", "recipient", r.Address, "fallback", NativeTransferGas, "err", err)
			e.metrics.EstimateFallback("native_transfer")
			gas = NativeTransferGas
		}
		total += gas
	}
	return total, nil
}

func (e *Estimator) estimateTransfers(ctx context.Context, recipients []models.Recipient, token models.Token, caller common.Address) (uint64, []contracts.Call, error) {
	var total uint64
	calls := make([]contracts.Call, 0, len(recipients))
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		value, err := utils.ParseUnits(r.Amount, token.Decimals)
		if err != nil {
			return 0, nil, err
		}
		data, err := contracts.PackTransfer(common.HexToAddress(r.Address), value)
		if err != nil {
			return 0, nil, err
		}
		calls = append(calls, contracts.Call{Target: token.Address, CallData: data})

		tokenAddr := token.Address
		gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: caller, To: &tokenAddr, Data: data})
		if err != nil {
			e.logger.Warn("token transfer estimate failed, using fallback", "token", token.Symbol, "recipient", r.Address, "fallback", TokenTransferGas, "err", err)
			e.metrics.EstimateFallback("token_transfer")
			gas = TokenTransferGas
		}
		total += gas
	}
	return total, calls, nil
}

func (e *Estimator) estimateAggregate(ctx context.Context, calls []contracts.Call, caller common.Address, individual uint64) (uint64, error) {
	data, err := contracts.PackAggregate(calls)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	aggregator := e.aggregator
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: caller, To: &aggregator, Data: data})
	if err != nil {
		fallback := BatchFallback(individual)
		e.logger.Warn("aggregate estimate failed, using fallback", "calls", len(calls), "fallback", fallback, "err", err)
		e.metrics.EstimateFallback("aggregate")
		return fallback, nil
	}
	return gas, nil
}

// BatchFallback is the aggregate cost assumed when it cannot be simulated.
func BatchFallback(individual uint64) uint64 {
	return BatchOverheadGas + individual*BatchCostPercent/100
}

// Savings is the percentage saved by batching, never below zero.
func Savings(individual, batch uint64) float64 {
	if individual == 0 || batch >= individual {
		return 0
	}
	return float64(individual-batch) / float64(individual) * 100
}

// Fee prices gas at gasPrice and renders the result in ether.
func Fee(gas uint64, gasPrice *big.Int) string {
	if gasPrice == nil {
		return "0"
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	return utils.FormatEther(wei)
}
