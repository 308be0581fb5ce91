// Package dispatch submits multi-send transactions and reports per-recipient
// progress through hooks. It never returns an error: every failure becomes
// a recipient status.
package dispatch

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
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

var (
	DefaultReceiptTimeout = 60 * time.Second
	DefaultPollInterval   = time.Second
)

// Sender holds the two send primitives of a connected account.
type Sender interface {
	SendNative(ctx context.Context, to common.Address, value *big.Int) (common.Hash, error)
	WriteContract(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
}

// ReceiptFetcher is satisfied by *ethclient.Client.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Hooks receive progress as it happens. Either field may be nil.
type Hooks struct {
	OnStatus  func(id string, status models.RecipientStatus, txHash string)
	OnGasUsed func(models.ActualGasUsed)
}

func (h Hooks) status(id string, status models.RecipientStatus, txHash string) {
	if h.OnStatus != nil {
		h.OnStatus(id, status, txHash)
	}
}

func (h Hooks) gasUsed(g models.ActualGasUsed) {
	if h.OnGasUsed != nil {
		h.OnGasUsed(g)
	}
}

type Dispatcher struct {
	sender     Sender
	receipts   ReceiptFetcher
	aggregator common.Address
	logger     *log.Logger
	metrics    *metrics.Metrics

	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

func New(sender Sender, receipts ReceiptFetcher, aggregator common.Address, logger *log.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		sender:         sender,
		receipts:       receipts,
		aggregator:     aggregator,
		logger:         logger,
		metrics:        m,
		ReceiptTimeout: DefaultReceiptTimeout,
		PollInterval:   DefaultPollInterval,
	}
}

// SendIndividual sends one transaction per recipient, in order. A failed
// recipient never stops the ones after it.
func (d *Dispatcher) SendIndividual(ctx context.Context, recipients []models.Recipient, token models.Token, hooks Hooks) models.DispatchReport {
	report := d.newReport(models.StrategyIndividual, token)
	logger := d.logger.With("run", report.RunID, "strategy", report.Strategy)
	logger.Info("starting send", "token", token.Symbol, "recipients", len(recipients))

	for _, r := range recipients {
		hooks.status(r.ID, models.StatusSending, "")
		hash, err := d.sendOne(ctx, r, token)
		if err != nil {
			logger.Error("send failed", "recipient", r.Address, "err", err)
			d.fail(&report, hooks, r.ID)
			continue
		}
		logger.Info("sent", "recipient", r.Address, "tx", hash.Hex())
		d.succeed(&report, hooks, r.ID, hash)
	}

	return d.finish(logger, report)
}

// SendBatch marks every recipient as sending, then either sends native value
// one by one, reconciling gas against estimate, or submits all token
// transfers in a single aggregate call.
func (d *Dispatcher) SendBatch(ctx context.Context, recipients []models.Recipient, token models.Token, estimate *models.GasEstimate, hooks Hooks) models.DispatchReport {
	report := d.newReport(models.StrategyBatch, token)
	logger := d.logger.With("run", report.RunID, "strategy", report.Strategy)
	logger.Info("starting send", "token", token.Symbol, "recipients", len(recipients))

	for _, r := range recipients {
		hooks.status(r.ID, models.StatusSending, "")
	}
	if len(recipients) == 0 {
		return d.finish(logger, report)
	}

	if token.IsNative {
		d.batchNative(ctx, logger, &report, recipients, token, estimate, hooks)
	} else {
		d.batchToken(ctx, logger, &report, recipients, token, hooks)
	}
	return d.finish(logger, report)
}

func (d *Dispatcher) batchNative(ctx context.Context, logger *log.Logger, report *models.DispatchReport, recipients []models.Recipient, token models.Token, estimate *models.GasEstimate, hooks Hooks) {
	var perTx uint64
	if estimate != nil {
		perTx = estimate.IndividualGas / uint64(len(recipients))
	}

	for _, r := range recipients {
		hash, err := d.sendOne(ctx, r, token)
		if err != nil {
			logger.Error("send failed", "recipient", r.Address, "err", err)
			d.fail(report, hooks, r.ID)
			continue
		}

		receipt, err := d.waitReceipt(ctx, hash)
		if err != nil {
			logger.Error("receipt unavailable", "recipient", r.Address, "tx", hash.Hex(), "err", err)
			d.fail(report, hooks, r.ID)
			continue
		}

		if estimate != nil {
			hooks.gasUsed(Reconcile(perTx, receipt.GasUsed))
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			logger.Error("send reverted", "recipient", r.Address, "tx", hash.Hex())
			d.fail(report, hooks, r.ID)
			continue
		}
		logger.Info("sent", "recipient", r.Address, "tx", hash.Hex(), "gas", receipt.GasUsed)
		d.succeed(report, hooks, r.ID, hash)
	}
}

func (d *Dispatcher) batchToken(ctx context.Context, logger *log.Logger, report *models.DispatchReport, recipients []models.Recipient, token models.Token, hooks Hooks) {
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.ID)
	}

	hash, err := d.submitAggregate(ctx, recipients, token)
	if err != nil {
		logger.Error("aggregate send failed", "recipients", len(recipients), "err", err)
		for _, id := range ids {
			d.fail(report, hooks, id)
		}
		return
	}

	logger.Info("aggregate sent", "recipients", len(recipients), "tx", hash.Hex())
	for _, id := range ids {
		d.succeed(report, hooks, id, hash)
	}
}

func (d *Dispatcher) submitAggregate(ctx context.Context, recipients []models.Recipient, token models.Token) (common.Hash, error) {
	if d.sender == nil {
		return common.Hash{}, errors.New("no sender")
	}
	calls := make([]contracts.Call, 0, len(recipients))
	for _, r := range recipients {
		value, err := utils.ParseUnits(r.Amount, token.Decimals)
		if err != nil {
			return common.Hash{}, err
		}
		data, err := contracts.PackTransfer(common.HexToAddress(r.Address), value)
		if err != nil {
			return common.Hash{}, err
		}
		calls = append(calls, contracts.Call{Target: token.Address, CallData: data})
	}
	data, err := contracts.PackAggregate(calls)
	if err != nil {
		return common.Hash{}, err
	}
	return d.sender.WriteContract(ctx, d.aggregator, data)
}

func (d *Dispatcher) sendOne(ctx context.Context, r models.Recipient, token models.Token) (common.Hash, error) {
	if d.sender == nil {
		return common.Hash{}, errors.New("no sender")
	}
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	value, err := utils.ParseUnits(r.Amount, token.Decimals)
	if err != nil {
		return common.Hash{}, err
	}
	to := common.HexToAddress(r.Address)
	if token.IsNative {
		return d.sender.SendNative(ctx, to, value)
	}
	data, err := contracts.PackTransfer(to, value)
	if err != nil {
		return common.Hash{}, err
	}
	return d.sender.WriteContract(ctx, token.Address, data)
}

// waitReceipt polls until the receipt is available or ReceiptTimeout passes.
func (d *Dispatcher) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if d.receipts == nil {
		return nil, errors.New("no receipt source")
	}
	ctx, cancel := context.WithTimeout(ctx, d.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := d.receipts.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Reconcile compares gas used by a mined transaction with its estimate.
func Reconcile(estimatedPerTx, actual uint64) models.ActualGasUsed {
	g := models.ActualGasUsed{EstimatedPerTx: estimatedPerTx, ActualGas: actual}
	if estimatedPerTx > 0 {
		g.AccuracyPercent = float64(actual) / float64(estimatedPerTx) * 100
	}
	return g
}

func (d *Dispatcher) newReport(strategy models.Strategy, token models.Token) models.DispatchReport {
	return models.DispatchReport{
		RunID:     uuid.NewString(),
		Strategy:  strategy,
		Token:     token.Symbol,
		StartedAt: time.Now(),
	}
}

func (d *Dispatcher) succeed(report *models.DispatchReport, hooks Hooks, id string, hash common.Hash) {
	report.Succeeded++
	if n := len(report.TxHashes); n == 0 || report.TxHashes[n-1] != hash.Hex() {
		report.TxHashes = append(report.TxHashes, hash.Hex())
	}
	d.metrics.Send(string(report.Strategy), string(models.StatusSuccess))
	hooks.status(id, models.StatusSuccess, hash.Hex())
}

func (d *Dispatcher) fail(report *models.DispatchReport, hooks Hooks, id string) {
	report.Failed++
	d.metrics.Send(string(report.Strategy), string(models.StatusFailed))
	hooks.status(id, models.StatusFailed, "")
}

func (d *Dispatcher) finish(logger *log.Logger, report models.DispatchReport) models.DispatchReport {
	report.FinishedAt = time.Now()
	logger.Info("send finished", "succeeded", report.Succeeded, "failed", report.Failed, "took", report.FinishedAt.Sub(report.StartedAt))
	return report
}
