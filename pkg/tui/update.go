package tui

import (
	"context"
	"fmt"
	"time"

	"multisend/pkg/models"
	"multisend/pkg/recipients"
	"multisend/pkg/session"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return clearStatusMsg{}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case session.Event:
		if st, ok := msg.Data.(session.Status); ok {
			m.statusMessage = st.Message
			m.errMessage = st.Error
		}
		m.sync()
		// The subscription lives in the model; keep reading from it.
		return m, listenForSession(m.sub)

	case opDoneMsg:
		if msg.err != nil {
			m.errMessage = fmt.Sprintf("%s failed: %v", msg.op, msg.err)
		} else {
			m.errMessage = ""
			m.statusMessage = msg.op + " finished"
		}
		m.sync()
		return m, clearStatusAfter(3 * time.Second)

	case clearStatusMsg:
		m.statusMessage = ""
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.editing {
			return m.updateEditing(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m *model) beginEdit(f recipients.Field) tea.Cmd {
	if len(m.recipients) == 0 {
		return nil
	}
	r := m.recipients[m.cursor]
	m.editing = true
	m.editField = f
	switch f {
	case recipients.FieldAddress:
		m.input.Placeholder = "0x..."
		m.input.SetValue(r.Address)
	default:
		m.input.Placeholder = "Amount in " + m.token.Symbol
		m.input.SetValue(r.Amount)
	}
	m.input.CursorEnd()
	return m.input.Focus()
}

func (m *model) endEdit() {
	m.editing = false
	m.input.Blur()
	m.input.SetValue("")
}

func (m model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.endEdit()
		return m, nil
	case "enter", "tab":
		r := m.recipients[m.cursor]
		key := fieldKey(r.ID, m.editField)
		if err := m.session.UpdateRecipient(r.ID, string(m.editField), m.input.Value()); err != nil {
			m.fieldErrors[key] = err.Error()
		} else {
			delete(m.fieldErrors, key)
		}
		m.sync()
		if m.editField == recipients.FieldAddress {
			return m, m.beginEdit(recipients.FieldAmount)
		}
		m.endEdit()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "?" {
		m.showHelp = !m.showHelp
		return m, nil
	}
	if m.showHelp {
		if msg.String() == "q" || msg.String() == "esc" {
			m.showHelp = false
		}
		return m, nil
	}

	sess := m.session
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.screen == screenSend {
			m.screen = screenPortfolio
		} else {
			m.screen = screenSend
		}
		return m, nil
	case "P":
		m.privacyMode = !m.privacyMode
		return m, nil
	case "r":
		m.statusMessage = "Refreshing portfolio..."
		return m, runOp("refresh", sess.Refresh)
	case "m":
		m.statusMessage = "Comparing read strategies..."
		return m, runOp("compare", func(ctx context.Context) error {
			_, err := sess.Compare(ctx)
			return err
		})
	case "c":
		hash := latestTxHash(m.report, m.recipients)
		switch {
		case hash == "":
			m.statusMessage = "No transaction to copy"
		case writeClipboard(hash) != nil:
			m.errMessage = "Failed to copy to clipboard"
		default:
			m.statusMessage = "Transaction hash copied to clipboard!"
		}
		return m, clearStatusAfter(2 * time.Second)
	}

	if m.screen != screenSend {
		return m, nil
	}

	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.recipients)-1 {
			m.cursor++
		}
	case "a":
		sess.AddRecipient()
		m.sync()
		m.cursor = len(m.recipients) - 1
	case "d", "x":
		if len(m.recipients) > 0 {
			id := m.recipients[m.cursor].ID
			sess.RemoveRecipient(id)
			delete(m.fieldErrors, fieldKey(id, recipients.FieldAddress))
			delete(m.fieldErrors, fieldKey(id, recipients.FieldAmount))
			m.sync()
		}
	case "enter":
		return m, m.beginEdit(recipients.FieldAddress)
	case "R":
		sess.ResetRecipients()
		m.fieldErrors = make(map[string]string)
		m.cursor = 0
		m.sync()
	case "t":
		if err := sess.SelectToken(nextToken(sess.Tokens(), m.token.Symbol)); err != nil {
			m.errMessage = err.Error()
		}
		m.sync()
	case "e":
		m.statusMessage = "Estimating gas..."
		return m, runOp("estimate", func(ctx context.Context) error {
			_, err := sess.Estimate(ctx)
			return err
		})
	case "s", "b":
		strategy := models.StrategyIndividual
		if msg.String() == "b" {
			strategy = models.StrategyBatch
		}
		m.statusMessage = fmt.Sprintf("Sending (%s)...", strategy)
		return m, runOp("send", func(ctx context.Context) error {
			_, err := sess.Send(ctx, strategy)
			return err
		})
	}
	return m, nil
}
