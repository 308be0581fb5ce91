package tui

import (
	"time"

	"multisend/pkg/models"
	"multisend/pkg/recipients"
	"multisend/pkg/session"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Version is set by Start()
var Version = "dev"

// OpTimeout bounds every session operation started from the UI.
var OpTimeout = 5 * time.Minute

// Options controls presentation only.
type Options struct {
	FiatDecimals  int
	TokenDecimals int
	Version       string
}

// --- Messages ---

type clearStatusMsg struct{}

// opDoneMsg reports the outcome of a session operation run as a tea.Cmd.
type opDoneMsg struct {
	op  string
	err error
}

type screen int

const (
	screenSend screen = iota
	screenPortfolio
)

// --- Model ---

type model struct {
	session *session.Session
	sub     session.Subscriber
	opts    Options

	screen   screen
	width    int
	height   int
	spinner  spinner.Model
	showHelp bool

	recipients  []models.Recipient
	cursor      int
	editing     bool
	editField   recipients.Field
	input       textinput.Model
	fieldErrors map[string]string

	token       models.Token
	estimate    *models.GasEstimate
	gasUsed     *models.ActualGasUsed
	report      *models.DispatchReport
	portfolio   *models.Portfolio
	comparisons []models.ReadComparison

	busy          bool
	statusMessage string
	errMessage    string
	privacyMode   bool
	lastUpdate    time.Time
}

func initialModel(sess *session.Session, opts Options) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ti := textinput.New()
	ti.Width = 44

	m := model{
		session:     sess,
		sub:         sess.Subscribe(),
		opts:        opts,
		spinner:     s,
		input:       ti,
		fieldErrors: make(map[string]string),
	}
	m.sync()
	return m
}

// sync copies the session state into the model.
func (m *model) sync() {
	st := m.session.Snapshot()
	m.recipients = st.Recipients
	m.token = st.Token
	m.estimate = st.Estimate
	m.gasUsed = st.GasUsed
	m.report = st.LastReport
	m.portfolio = st.Portfolio
	m.comparisons = st.Comparisons
	m.busy = st.Busy
	if m.cursor >= len(m.recipients) {
		m.cursor = len(m.recipients) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	m.lastUpdate = time.Now()
}

func (m model) Init() tea.Cmd {
	return tea.Batch(listenForSession(m.sub), m.spinner.Tick)
}
