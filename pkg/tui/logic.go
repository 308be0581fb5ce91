package tui

import (
	"context"
	"strings"

	"multisend/pkg/models"
	"multisend/pkg/recipients"
	"multisend/pkg/session"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/shopspring/decimal"
)

func listenForSession(sub session.Subscriber) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil
		}
		return event
	}
}

// runOp runs fn off the UI goroutine and reports back with opDoneMsg.
func runOp(op string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), OpTimeout)
		defer cancel()
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

func fieldKey(id string, f recipients.Field) string {
	return id + ":" + string(f)
}

// latestTxHash prefers the last hash of the most recent send and falls
// back to the last recipient row that carries one.
func latestTxHash(report *models.DispatchReport, list []models.Recipient) string {
	if report != nil && len(report.TxHashes) > 0 {
		return report.TxHashes[len(report.TxHashes)-1]
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].TxHash != "" {
			return list[i].TxHash
		}
	}
	return ""
}

// comparisonSeries converts the read history to milliseconds, batched
// first.
func comparisonSeries(history []models.ReadComparison) (batched, individual []float64) {
	for _, c := range history {
		batched = append(batched, float64(c.Batched.Microseconds())/1000)
		individual = append(individual, float64(c.Individual.Microseconds())/1000)
	}
	return batched, individual
}

// nextToken returns the symbol after current in tokens, wrapping around.
func nextToken(tokens []models.Token, current string) string {
	if len(tokens) == 0 {
		return ""
	}
	for i, t := range tokens {
		if strings.EqualFold(t.Symbol, current) {
			return tokens[(i+1)%len(tokens)].Symbol
		}
	}
	return tokens[0].Symbol
}

func countStatus(list []models.Recipient, status models.RecipientStatus) int {
	n := 0
	for _, r := range list {
		if r.Status == status {
			n++
		}
	}
	return n
}

// amountFloat parses a formatted decimal amount, 0 when it does not parse.
func amountFloat(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
