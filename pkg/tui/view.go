package tui

import (
	"fmt"
	"strings"
	"time"

	"multisend/pkg/models"
	"multisend/pkg/portfolio"
	"multisend/pkg/recipients"
	"multisend/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/guptarohit/asciigraph"
)

func (m model) View() string {
	if m.showHelp {
		return m.viewHelp()
	}

	var body, footer string
	switch m.screen {
	case screenPortfolio:
		body = m.viewPortfolio()
		footer = "r: refresh • m: compare reads • c: copy tx • P: privacy • tab: send • ?: help • q: quit"
	default:
		body = m.viewSend()
		footer = "↑/↓: select • enter: edit • a/d: add/remove • t: token • e: estimate • s/b: send individual/batch • tab: portfolio • ?: help"
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewHeader(),
		body,
		m.viewStatus(),
		subtleStyle.Render(footer),
	)
}

func (m model) viewHeader() string {
	title := titleStyle.Render(fmt.Sprintf("multisend %s", Version))
	caller := "no wallet"
	if c := m.session.Caller(); c != (common.Address{}) {
		caller = m.maskAddress(c.Hex())
	}
	token := fmt.Sprintf("%s (%s)", m.token.Symbol, m.token.Name)
	return lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", infoStyle.Render(token), "  ", subtleStyle.Render(caller))
}

func (m model) viewStatus() string {
	var parts []string
	if m.busy {
		parts = append(parts, m.spinner.View())
	}
	if m.statusMessage != "" {
		parts = append(parts, infoStyle.Render(m.statusMessage))
	}
	if m.errMessage != "" {
		parts = append(parts, errStyle.Render(m.errMessage))
	}
	return strings.Join(parts, " ")
}

func (m model) viewSend() string {
	var rows []string
	rows = append(rows, tableHeaderStyle.Render(fmt.Sprintf("  %-3s %-44s %-16s %-8s %s", "#", "Address", "Amount", "Status", "Tx")))

	for i, r := range m.recipients {
		cursor := "  "
		if i == m.cursor {
			cursor = selectedStyle.Render("> ")
		}
		address, amount := r.Address, r.Amount
		if m.editing && i == m.cursor {
			if m.editField == recipients.FieldAddress {
				address = m.input.View()
			} else {
				amount = m.input.View()
			}
		}
		if address == "" {
			address = subtleStyle.Render("(empty)")
		}
		status := statusStyle(r.Status).Render(fmt.Sprintf("%-8s", r.Status))
		rows = append(rows, fmt.Sprintf("%s%-3s %-44s %-16s %s %s", cursor, r.ID, address, amount, status, utils.ShortHex(r.TxHash)))

		for _, f := range []recipients.Field{recipients.FieldAddress, recipients.FieldAmount} {
			if msg, ok := m.fieldErrors[fieldKey(r.ID, f)]; ok {
				rows = append(rows, errStyle.Render(fmt.Sprintf("      %s: %s", f, msg)))
			}
		}
	}

	valid := len(m.session.ValidRecipients())
	summary := subtleStyle.Render(fmt.Sprintf("%d of %d recipients ready", valid, len(m.recipients)))
	sections := []string{boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)), summary}

	if est := m.estimate; est != nil {
		sections = append(sections, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
			tableHeaderStyle.Render("Gas estimate"),
			fmt.Sprintf("Individual  %10s gas  %s ETH", utils.FormatAmount(fmt.Sprint(est.IndividualGas), 0), est.IndividualFeeEth),
			fmt.Sprintf("Batch       %10s gas  %s ETH", utils.FormatAmount(fmt.Sprint(est.BatchGas), 0), est.BatchFeeEth),
			infoStyle.Render(fmt.Sprintf("Savings     %.2f%%", est.SavingsPercent)),
		)))
	}
	if g := m.gasUsed; g != nil {
		sections = append(sections, subtleStyle.Render(fmt.Sprintf("Last batch tx: estimated %d/tx, used %d (%.1f%% of estimate)", g.EstimatedPerTx, g.ActualGas, g.AccuracyPercent)))
	}
	if r := m.report; r != nil {
		line := fmt.Sprintf("Last send (%s, %s): %d succeeded, %d failed", r.Strategy, r.Token, r.Succeeded, r.Failed)
		style := infoStyle
		if r.Failed > 0 {
			style = warnStyle
		}
		sections = append(sections, style.Render(line))
	}
	if n := countStatus(m.recipients, models.StatusSending) + countStatus(m.recipients, models.StatusPending); n > 0 {
		sections = append(sections, warnStyle.Render(fmt.Sprintf("%d recipients in flight", n)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m model) viewPortfolio() string {
	p := m.portfolio
	if p == nil {
		return boxStyle.Render("No portfolio loaded yet. Press r to refresh.")
	}

	rows := []string{
		tableHeaderStyle.Render(fmt.Sprintf("%-8s %-20s %18s %12s %14s", "Symbol", "Name", "Balance", "Price", "Value")),
	}
	ethPrice := p.Prices.USD(portfolio.NativePriceID)
	rows = append(rows, fmt.Sprintf("%-8s %-20s %18s %12s %14s", "ETH", "Ether",
		m.displayAmount(p.EthBalance, m.opts.TokenDecimals),
		"$"+utils.FormatFloat(ethPrice, m.opts.FiatDecimals),
		m.displayFiat(ethPrice*amountFloat(p.EthBalance))))
	for _, b := range p.Balances {
		rows = append(rows, fmt.Sprintf("%-8s %-20s %18s %12s %14s", b.Symbol, truncate(b.Name, 20),
			m.displayAmount(b.Balance, m.opts.TokenDecimals),
			"$"+utils.FormatFloat(b.USDPrice, m.opts.FiatDecimals),
			m.displayFiat(b.USDValue)))
	}

	total := infoStyle.Render("Total " + m.displayFiat(p.TotalUSD))
	updated := subtleStyle.Render("updated " + p.UpdatedAt.Format("15:04:05"))
	sections := []string{
		boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)),
		lipgloss.JoinHorizontal(lipgloss.Top, total, "  ", updated),
		m.viewComparison(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m model) viewComparison() string {
	if len(m.comparisons) == 0 {
		return subtleStyle.Render("No read comparisons yet. Press m to measure.")
	}
	last := m.comparisons[len(m.comparisons)-1]
	stats := fmt.Sprintf("Batched %s in %d request(s) • Individual %s in %d request(s)",
		last.Batched.Round(time.Microsecond), last.BatchedRequests, last.Individual.Round(time.Microsecond), last.IndividualRequests)

	batched, individual := comparisonSeries(m.comparisons)
	graph := "Not enough data to draw graph."
	if len(batched) > 1 {
		width := 60
		if m.width > 20 {
			width = m.width - 20
		}
		graph = asciigraph.PlotMany([][]float64{batched, individual},
			asciigraph.Height(8),
			asciigraph.Width(width),
			asciigraph.Caption("Read time in ms (first series batched, second individual)"),
		)
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, stats, "", graph))
}

func (m model) viewHelp() string {
	lines := []string{
		titleStyle.Render("Keys"),
		"",
		"Send screen",
		"  ↑/↓ k/j   select recipient",
		"  enter     edit address, then amount (esc cancels)",
		"  a / d     add / remove recipient",
		"  R         reset the list",
		"  t         next token",
		"  e         estimate gas for both strategies",
		"  s / b     send one tx per recipient / one batched call",
		"",
		"Both screens",
		"  r         refresh portfolio",
		"  m         compare batched and individual reads",
		"  c         copy latest transaction hash",
		"  P         privacy mode",
		"  tab       switch screen",
		"  q         quit",
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
