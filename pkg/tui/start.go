package tui

import (
	"fmt"

	"multisend/pkg/session"

	tea "github.com/charmbracelet/bubbletea"
)

// Start runs the terminal UI until the user quits.
func Start(sess *session.Session, opts Options) error {
	if opts.Version != "" {
		Version = opts.Version
	}
	m := initialModel(sess, opts)
	defer sess.Unsubscribe(m.sub)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}
