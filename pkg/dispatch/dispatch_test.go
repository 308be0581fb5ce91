package dispatch

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"multisend/pkg/contracts"
	"multisend/pkg/metrics"
	"multisend/pkg/models"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendNative(ctx context.Context, to common.Address, value *big.Int) (common.Hash, error) {
	args := m.Called(to, value)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *MockSender) WriteContract(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	args := m.Called(to, data)
	return args.Get(0).(common.Hash), args.Error(1)
}

// fakeReceipts returns NotFound for the first `pending` lookups of a hash.
type fakeReceipts struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	pending  int
	seen     map[common.Hash]int
}

func (f *fakeReceipts) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[common.Hash]int{}
	}
	f.seen[hash]++
	if f.seen[hash] <= f.pending {
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

type statusLog struct {
	mu      sync.Mutex
	entries []string
	final   map[string]models.Recipient
	gas     []models.ActualGasUsed
}

func newStatusLog() *statusLog {
	return &statusLog{final: map[string]models.Recipient{}}
}

func (s *statusLog) hooks() Hooks {
	return Hooks{
		OnStatus: func(id string, status models.RecipientStatus, txHash string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.entries = append(s.entries, id+":"+string(status))
			s.final[id] = models.Recipient{ID: id, Status: status, TxHash: txHash}
		},
		OnGasUsed: func(g models.ActualGasUsed) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.gas = append(s.gas, g)
		},
	}
}

var (
	aggregator = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	eth        = models.Token{Symbol: "ETH", Decimals: 18, IsNative: true}
	usdc       = models.Token{Symbol: "USDC", Decimals: 6, Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")}

	alice = models.Recipient{ID: "1", Address: "0x1111111111111111111111111111111111111111", Amount: "1"}
	bob   = models.Recipient{ID: "2", Address: "0x2222222222222222222222222222222222222222", Amount: "2"}

	hashA = common.HexToHash("0xaa")
	hashB = common.HexToHash("0xbb")
)

func newTestDispatcher(sender Sender, receipts ReceiptFetcher, m *metrics.Metrics) *Dispatcher {
	d := New(sender, receipts, aggregator, log.New(io.Discard), m)
	d.PollInterval = time.Millisecond
	d.ReceiptTimeout = time.Second
	return d
}

func TestSendIndividual_PartialFailure(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendNative", common.HexToAddress(alice.Address), mock.Anything).Return(hashA, nil)
	sender.On("SendNative", common.HexToAddress(bob.Address), mock.Anything).Return(common.Hash{}, errors.New("insufficient funds"))

	reg := prometheus.NewRegistry()
	d := newTestDispatcher(sender, nil, metrics.New(reg))
	rec := newStatusLog()

	report := d.SendIndividual(context.Background(), []models.Recipient{alice, bob}, eth, rec.hooks())

	assert.Equal(t, []string{"1:sending", "1:success", "2:sending", "2:failed"}, rec.entries)
	assert.Equal(t, hashA.Hex(), rec.final["1"].TxHash)
	assert.Empty(t, rec.final["2"].TxHash)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, models.StrategyIndividual, report.Strategy)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
	sender.AssertExpectations(t)
}

func TestSendIndividual_FailureFirstContinues(t *testing.T) {
	sender := new(MockSender)
	sender.On("WriteContract", usdc.Address, mock.Anything).Return(common.Hash{}, errors.New("reverted")).Once()
	sender.On("WriteContract", usdc.Address, mock.Anything).Return(hashB, nil).Once()

	d := newTestDispatcher(sender, nil, nil)
	rec := newStatusLog()
	report := d.SendIndividual(context.Background(), []models.Recipient{alice, bob}, usdc, rec.hooks())

	assert.Equal(t, models.StatusFailed, rec.final["1"].Status)
	assert.Equal(t, models.StatusSuccess, rec.final["2"].Status)
	assert.Equal(t, []string{hashB.Hex()}, report.TxHashes)
	sender.AssertNumberOfCalls(t, "WriteContract", 2)
}

func TestSendIndividual_TokenTransferCalldata(t *testing.T) {
	sender := new(MockSender)
	want, err := contracts.PackTransfer(common.HexToAddress(alice.Address), big.NewInt(1_000_000))
	require.NoError(t, err)
	sender.On("WriteContract", usdc.Address, want).Return(hashA, nil)

	d := newTestDispatcher(sender, nil, nil)
	d.SendIndividual(context.Background(), []models.Recipient{alice}, usdc, Hooks{})
	sender.AssertExpectations(t)
}

func TestSendIndividual_BadAmountFails(t *testing.T) {
	sender := new(MockSender)
	d := newTestDispatcher(sender, nil, nil)
	rec := newStatusLog()

	bad := alice
	bad.Amount = "lots"
	report := d.SendIndividual(context.Background(), []models.Recipient{bad}, eth, rec.hooks())

	assert.Equal(t, models.StatusFailed, rec.final["1"].Status)
	assert.Equal(t, 1, report.Failed)
	sender.AssertNotCalled(t, "SendNative", mock.Anything, mock.Anything)
}

func TestSendBatch_TokenAllOrNothing(t *testing.T) {
	t.Run("success shares one hash", func(t *testing.T) {
		sender := new(MockSender)
		sender.On("WriteContract", aggregator, mock.MatchedBy(func(data []byte) bool {
			calls, err := contracts.UnpackAggregateCalls(data)
			return err == nil && len(calls) == 2
		})).Return(hashA, nil).Once()

		d := newTestDispatcher(sender, nil, nil)
		rec := newStatusLog()
		report := d.SendBatch(context.Background(), []models.Recipient{alice, bob}, usdc, nil, rec.hooks())

		assert.Equal(t, []string{"1:sending", "2:sending", "1:success", "2:success"}, rec.entries)
		assert.Equal(t, hashA.Hex(), rec.final["1"].TxHash)
		assert.Equal(t, hashA.Hex(), rec.final["2"].TxHash)
		assert.Equal(t, []string{hashA.Hex()}, report.TxHashes)
		assert.Equal(t, 2, report.Succeeded)
		sender.AssertExpectations(t)
	})

	t.Run("failure fails everyone", func(t *testing.T) {
		sender := new(MockSender)
		sender.On("WriteContract", aggregator, mock.Anything).Return(common.Hash{}, errors.New("execution reverted"))

		d := newTestDispatcher(sender, nil, nil)
		rec := newStatusLog()
		report := d.SendBatch(context.Background(), []models.Recipient{alice, bob}, usdc, nil, rec.hooks())

		assert.Equal(t, models.StatusFailed, rec.final["1"].Status)
		assert.Equal(t, models.StatusFailed, rec.final["2"].Status)
		assert.Equal(t, 2, report.Failed)
		assert.Empty(t, report.TxHashes)
	})
}

func TestSendBatch_NativeReconcilesGas(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendNative", common.HexToAddress(alice.Address), mock.Anything).Return(hashA, nil)
	sender.On("SendNative", common.HexToAddress(bob.Address), mock.Anything).Return(hashB, nil)

	receipts := &fakeReceipts{
		pending: 2,
		receipts: map[common.Hash]*types.Receipt{
			hashA: {Status: types.ReceiptStatusSuccessful, GasUsed: 21000},
			hashB: {Status: types.ReceiptStatusSuccessful, GasUsed: 25200},
		},
	}
	d := newTestDispatcher(sender, receipts, nil)
	rec := newStatusLog()

	estimate := &models.GasEstimate{IndividualGas: 42000, BatchGas: 42000}
	report := d.SendBatch(context.Background(), []models.Recipient{alice, bob}, eth, estimate, rec.hooks())

	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, rec.gas, 2)
	assert.Equal(t, uint64(21000), rec.gas[0].EstimatedPerTx)
	assert.InDelta(t, 100.0, rec.gas[0].AccuracyPercent, 1e-9)
	assert.Equal(t, uint64(25200), rec.gas[1].ActualGas)
	assert.InDelta(t, 120.0, rec.gas[1].AccuracyPercent, 1e-9)
	assert.Equal(t, hashB.Hex(), rec.final["2"].TxHash)
}

func TestSendBatch_NativeRevertedAndMissingReceipt(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendNative", common.HexToAddress(alice.Address), mock.Anything).Return(hashA, nil)
	sender.On("SendNative", common.HexToAddress(bob.Address), mock.Anything).Return(hashB, nil)

	receipts := &fakeReceipts{receipts: map[common.Hash]*types.Receipt{
		hashA: {Status: types.ReceiptStatusFailed, GasUsed: 30000},
	}}
	d := newTestDispatcher(sender, receipts, nil)
	d.ReceiptTimeout = 20 * time.Millisecond
	rec := newStatusLog()

	report := d.SendBatch(context.Background(), []models.Recipient{alice, bob}, eth, nil, rec.hooks())

	assert.Equal(t, models.StatusFailed, rec.final["1"].Status)
	assert.Equal(t, models.StatusFailed, rec.final["2"].Status)
	assert.Equal(t, 2, report.Failed)
	assert.Empty(t, rec.gas, "no estimate means no reconciliation")
}

func TestSendBatch_Empty(t *testing.T) {
	d := newTestDispatcher(new(MockSender), nil, nil)
	report := d.SendBatch(context.Background(), nil, usdc, nil, Hooks{})
	assert.Zero(t, report.Succeeded)
	assert.Zero(t, report.Failed)
}

func TestReconcile(t *testing.T) {
	assert.Equal(t, models.ActualGasUsed{EstimatedPerTx: 0, ActualGas: 21000}, Reconcile(0, 21000))
	assert.InDelta(t, 50.0, Reconcile(42000, 21000).AccuracyPercent, 1e-9)
}
