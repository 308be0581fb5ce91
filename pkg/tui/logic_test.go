package tui

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"multisend/pkg/models"
	"multisend/pkg/recipients"
	"multisend/pkg/session"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	eth  = models.Token{Symbol: "ETH", Name: "Ether", Decimals: 18, IsNative: true, PriceID: "ethereum"}
	usdc = models.Token{Symbol: "USDC", Name: "USD Coin", Decimals: 6, Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), PriceID: "usd-coin"}

	addrA = "0x1111111111111111111111111111111111111111"
)

type stubEstimator struct{}

func (stubEstimator) Estimate(ctx context.Context, recipients []models.Recipient, token models.Token, caller common.Address, gasPrice *big.Int) *models.GasEstimate {
	return &models.GasEstimate{IndividualGas: 21000, BatchGas: 21000}
}

type stubGasPrice struct{}

func (stubGasPrice) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func newTestModel(t *testing.T) model {
	t.Helper()
	sess := session.New(session.Options{
		Tokens:    []models.Token{eth, usdc},
		Caller:    common.HexToAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"),
		GasPricer: stubGasPrice{},
		Estimator: stubEstimator{},
		Logger:    log.New(io.Discard),
	})
	m := initialModel(sess, Options{FiatDecimals: 2, TokenDecimals: 4})
	t.Cleanup(func() { sess.Unsubscribe(m.sub) })
	return m
}

func keys(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m model, s string) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(keys(s))
	return next.(model), cmd
}

func TestLatestTxHash(t *testing.T) {
	list := []models.Recipient{{ID: "1", TxHash: "0x01"}, {ID: "2", TxHash: "0x02"}, {ID: "3"}}

	assert.Equal(t, "0x02", latestTxHash(nil, list))
	assert.Equal(t, "0xff", latestTxHash(&models.DispatchReport{TxHashes: []string{"0xee", "0xff"}}, list))
	assert.Equal(t, "0x02", latestTxHash(&models.DispatchReport{}, list))
	assert.Empty(t, latestTxHash(nil, nil))
}

func TestComparisonSeries(t *testing.T) {
	batched, individual := comparisonSeries([]models.ReadComparison{
		{Batched: 1500 * time.Microsecond, Individual: 12 * time.Millisecond},
		{Batched: 2 * time.Millisecond, Individual: 9 * time.Millisecond},
	})
	assert.Equal(t, []float64{1.5, 2}, batched)
	assert.Equal(t, []float64{12, 9}, individual)
}

func TestNextToken(t *testing.T) {
	tokens := []models.Token{eth, usdc}
	assert.Equal(t, "USDC", nextToken(tokens, "ETH"))
	assert.Equal(t, "ETH", nextToken(tokens, "usdc"))
	assert.Equal(t, "ETH", nextToken(tokens, "DOGE"))
	assert.Empty(t, nextToken(nil, "ETH"))
}

func TestAmountFloat(t *testing.T) {
	assert.Equal(t, 1.25, amountFloat("1.25"))
	assert.Equal(t, 0.0, amountFloat("n/a"))
}

func TestRecipientKeys(t *testing.T) {
	m := newTestModel(t)
	require.Len(t, m.recipients, 2)

	m, _ = press(t, m, "a")
	assert.Len(t, m.recipients, 3)
	assert.Equal(t, 2, m.cursor)

	m, _ = press(t, m, "d")
	assert.Len(t, m.recipients, 2)
	assert.Equal(t, 1, m.cursor)

	m, _ = press(t, m, "a")
	m, _ = press(t, m, "a")
	m, _ = press(t, m, "R")
	assert.Len(t, m.recipients, 2)
	assert.Equal(t, 0, m.cursor)
	assert.Len(t, m.session.Recipients(), 2)
}

func TestEditRecipient(t *testing.T) {
	m := newTestModel(t)

	m, _ = press(t, m, "enter")
	require.True(t, m.editing)
	assert.Equal(t, recipients.FieldAddress, m.editField)

	m.input.SetValue(addrA)
	m, _ = press(t, m, "enter")
	require.True(t, m.editing)
	assert.Equal(t, recipients.FieldAmount, m.editField)

	m.input.SetValue("1.5")
	m, _ = press(t, m, "enter")
	assert.False(t, m.editing)
	assert.Empty(t, m.fieldErrors)

	r := m.session.Recipients()[0]
	assert.Equal(t, addrA, r.Address)
	assert.Equal(t, "1.5", r.Amount)
	assert.Len(t, m.session.ValidRecipients(), 1)

	t.Run("invalid input is kept with its error", func(t *testing.T) {
		m, _ := press(t, m, "enter")
		m.input.SetValue("0xbad")
		m, _ = press(t, m, "enter")
		assert.Equal(t, "invalid address format", m.fieldErrors[fieldKey("1", recipients.FieldAddress)])
		assert.Equal(t, "0xbad", m.recipients[0].Address)

		m, _ = press(t, m, "esc")
		assert.False(t, m.editing)
		assert.Contains(t, m.View(), "invalid address format")
	})
}

func TestTokenCycle(t *testing.T) {
	m := newTestModel(t)
	assert.Equal(t, "ETH", m.token.Symbol)

	m, _ = press(t, m, "t")
	assert.Equal(t, "USDC", m.token.Symbol)
	assert.Equal(t, "USDC", m.session.Token().Symbol)

	m, _ = press(t, m, "t")
	assert.Equal(t, "ETH", m.token.Symbol)
}

func TestEstimateKey(t *testing.T) {
	m := newTestModel(t)

	m, cmd := press(t, m, "e")
	require.NotNil(t, cmd)
	msg, ok := cmd().(opDoneMsg)
	require.True(t, ok)
	assert.True(t, errors.Is(msg.err, session.ErrNoRecipients))

	next, _ := m.Update(msg)
	m = next.(model)
	assert.Contains(t, m.errMessage, "estimate failed")

	m, _ = press(t, m, "enter")
	m.input.SetValue(addrA)
	m, _ = press(t, m, "enter")
	m.input.SetValue("1")
	m, _ = press(t, m, "enter")

	m, cmd = press(t, m, "e")
	msg = cmd().(opDoneMsg)
	require.NoError(t, msg.err)
	next, _ = m.Update(msg)
	m = next.(model)
	require.NotNil(t, m.estimate)
	assert.Equal(t, uint64(21000), m.estimate.IndividualGas)
	assert.Empty(t, m.errMessage)
	assert.Contains(t, m.View(), "Gas estimate")
}

func TestSendWithoutWallet(t *testing.T) {
	m := newTestModel(t)
	_, cmd := press(t, m, "b")
	msg := cmd().(opDoneMsg)
	assert.True(t, errors.Is(msg.err, session.ErrNoWallet))
}

func TestSessionEvents(t *testing.T) {
	m := newTestModel(t)

	m.session.AddRecipient()
	next, cmd := m.Update(session.Event{Type: session.EventRecipientsUpdated})
	m = next.(model)
	assert.Len(t, m.recipients, 3)
	assert.NotNil(t, cmd)

	next, _ = m.Update(session.Event{Type: session.EventStatusUpdated, Data: session.Status{Message: "sending", Error: "boom"}})
	m = next.(model)
	assert.Equal(t, "sending", m.statusMessage)
	assert.Equal(t, "boom", m.errMessage)
}

func TestCopyTxHash(t *testing.T) {
	var copied string
	orig := writeClipboard
	writeClipboard = func(s string) error { copied = s; return nil }
	t.Cleanup(func() { writeClipboard = orig })

	m := newTestModel(t)
	m, _ = press(t, m, "c")
	assert.Empty(t, copied)
	assert.Equal(t, "No transaction to copy", m.statusMessage)

	m.report = &models.DispatchReport{TxHashes: []string{"0xabc"}}
	m, _ = press(t, m, "c")
	assert.Equal(t, "0xabc", copied)
	assert.Equal(t, "Transaction hash copied to clipboard!", m.statusMessage)

	writeClipboard = func(string) error { return errors.New("no display") }
	m, _ = press(t, m, "c")
	assert.Equal(t, "Failed to copy to clipboard", m.errMessage)
}

func TestPortfolioView(t *testing.T) {
	m := newTestModel(t)
	m, _ = press(t, m, "tab")
	require.Equal(t, screenPortfolio, m.screen)
	assert.Contains(t, m.View(), "No portfolio loaded yet")

	m.portfolio = &models.Portfolio{
		EthBalance: "2",
		Prices:     models.PriceData{"ethereum": {USD: 2000}, "usd-coin": {USD: 1}},
		Balances:   []models.TokenBalance{{Symbol: "USDC", Name: "USD Coin", Balance: "5", USDPrice: 1, USDValue: 5}},
		TotalUSD:   4005,
		UpdatedAt:  time.Now(),
	}
	m.comparisons = []models.ReadComparison{
		{Batched: 2 * time.Millisecond, Individual: 10 * time.Millisecond, BatchedRequests: 1, IndividualRequests: 3},
		{Batched: 3 * time.Millisecond, Individual: 12 * time.Millisecond, BatchedRequests: 1, IndividualRequests: 3},
	}
	view := m.View()
	assert.Contains(t, view, "4,005.00")
	assert.Contains(t, view, "USDC")
	assert.Contains(t, view, "Read time in ms")

	m, _ = press(t, m, "P")
	assert.NotContains(t, m.View(), "4,005.00")
	assert.Contains(t, m.View(), "****")

	m, _ = press(t, m, "tab")
	assert.Equal(t, screenSend, m.screen)
}

func TestHelpAndQuit(t *testing.T) {
	m := newTestModel(t)

	m, _ = press(t, m, "?")
	require.True(t, m.showHelp)
	assert.Contains(t, m.View(), "compare batched and individual reads")

	// q closes help before it quits.
	m, cmd := press(t, m, "q")
	assert.False(t, m.showHelp)
	assert.Nil(t, cmd)

	_, cmd = press(t, m, "q")
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}
