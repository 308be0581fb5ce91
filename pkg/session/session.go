// Package session owns the mutable state of a multi-send session and
// broadcasts every change to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"multisend/pkg/dispatch"
	"multisend/pkg/models"
	"multisend/pkg/recipients"
	"multisend/pkg/validate"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"
)

// MaxComparisons bounds the read comparison history.
const MaxComparisons = 20

var (
	ErrBusy         = errors.New("an estimate or send is already in progress")
	ErrNoWallet     = errors.New("no wallet configured")
	ErrNoRecipients = errors.New("no valid recipients")
	ErrNoEstimate   = errors.New("gas estimate unavailable")
	ErrUnknownToken = errors.New("unknown token")
	ErrNoPortfolio  = errors.New("no portfolio reader configured")
)

type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type Estimator interface {
	Estimate(ctx context.Context, recipients []models.Recipient, token models.Token, caller common.Address, gasPrice *big.Int) *models.GasEstimate
}

type Dispatcher interface {
	SendIndividual(ctx context.Context, recipients []models.Recipient, token models.Token, hooks dispatch.Hooks) models.DispatchReport
	SendBatch(ctx context.Context, recipients []models.Recipient, token models.Token, estimate *models.GasEstimate, hooks dispatch.Hooks) models.DispatchReport
}

type Portfolio interface {
	Refresh(ctx context.Context, owner common.Address) (models.Portfolio, error)
	Compare(ctx context.Context, owner common.Address) (models.ReadComparison, error)
}

// Options wires a Session. Any collaborator may be nil; the operations that
// need it then fail with a sentinel error.
type Options struct {
	Tokens          []models.Token
	Caller          common.Address
	GasPricer       GasPricer
	Estimator       Estimator
	Dispatcher      Dispatcher
	Portfolio       Portfolio
	RefreshInterval time.Duration
	Logger          *log.Logger
}

// State is a point-in-time copy of the session.
type State struct {
	Caller      string                  `json:"caller"`
	Tokens      []models.Token          `json:"tokens"`
	Token       models.Token            `json:"token"`
	Recipients  []models.Recipient      `json:"recipients"`
	Estimate    *models.GasEstimate     `json:"estimate,omitempty"`
	GasUsed     *models.ActualGasUsed   `json:"gasUsed,omitempty"`
	Portfolio   *models.Portfolio       `json:"portfolio,omitempty"`
	Comparisons []models.ReadComparison `json:"comparisons"`
	LastReport  *models.DispatchReport  `json:"lastReport,omitempty"`
	Busy        bool                    `json:"busy"`
}

type Session struct {
	opts   Options
	logger *log.Logger

	mu          sync.RWMutex
	recipients  []models.Recipient
	token       models.Token
	estimate    *models.GasEstimate
	gasUsed     *models.ActualGasUsed
	portfolio   *models.Portfolio
	comparisons []models.ReadComparison
	lastReport  *models.DispatchReport
	busy        bool

	subMu       sync.RWMutex
	subscribers []Subscriber

	stopChan chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	s := &Session{
		opts:       opts,
		logger:     logger,
		recipients: recipients.Reset(),
		stopChan:   make(chan struct{}),
	}
	if len(opts.Tokens) > 0 {
		s.token = opts.Tokens[0]
	}
	return s
}

// Subscribe adds a new subscriber and returns a channel to receive events.
func (s *Session) Subscribe() Subscriber {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(Subscriber, 100)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Session) Unsubscribe(ch Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// notify is called without mu held.
func (s *Session) notify(event Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subscribers {
		select {
		case sub <- event:
		default:
			// Slow subscriber, drop the event.
		}
	}
}

func (s *Session) Caller() common.Address { return s.opts.Caller }

func (s *Session) Tokens() []models.Token {
	return append([]models.Token(nil), s.opts.Tokens...)
}

// Snapshot returns a copy of the whole state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Tokens:      s.Tokens(),
		Token:       s.token,
		Recipients:  append([]models.Recipient(nil), s.recipients...),
		Comparisons: append([]models.ReadComparison{}, s.comparisons...),
		Busy:        s.busy,
	}
	if s.opts.Caller != (common.Address{}) {
		st.Caller = s.opts.Caller.Hex()
	}
	if s.estimate != nil {
		e := *s.estimate
		st.Estimate = &e
	}
	if s.gasUsed != nil {
		g := *s.gasUsed
		st.GasUsed = &g
	}
	if s.portfolio != nil {
		p := copyPortfolio(*s.portfolio)
		st.Portfolio = &p
	}
	if s.lastReport != nil {
		r := *s.lastReport
		r.TxHashes = append([]string(nil), r.TxHashes...)
		st.LastReport = &r
	}
	return st
}

func (s *Session) Recipients() []models.Recipient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Recipient(nil), s.recipients...)
}

// ValidRecipients returns the entries that would be sent.
func (s *Session) ValidRecipients() []models.Recipient {
	return validate.Recipients(s.Recipients())
}

func (s *Session) Token() models.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SelectToken switches the token being sent and drops the stale estimate.
func (s *Session) SelectToken(symbol string) error {
	for _, t := range s.opts.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			s.mu.Lock()
			s.token = t
			s.estimate = nil
			s.mu.Unlock()
			s.notify(Event{Type: EventEstimateUpdated, Data: (*models.GasEstimate)(nil)})
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
}

func (s *Session) AddRecipient() []models.Recipient {
	return s.editRecipients(recipients.Add)
}

func (s *Session) RemoveRecipient(id string) []models.Recipient {
	return s.editRecipients(func(list []models.Recipient) []models.Recipient {
		return recipients.Remove(list, id)
	})
}

// UpdateRecipient stores value and returns its validation error, if any.
// Invalid input is kept so it can still be corrected.
func (s *Session) UpdateRecipient(id, field, value string) error {
	f, err := recipients.ParseField(field)
	if err != nil {
		return err
	}
	if _, ok := recipients.Find(s.Recipients(), id); !ok {
		return fmt.Errorf("unknown recipient %q", id)
	}
	s.editRecipients(func(list []models.Recipient) []models.Recipient {
		return recipients.Update(list, id, f, value)
	})

	switch f {
	case recipients.FieldAddress:
		connected := ""
		if s.opts.Caller != (common.Address{}) {
			connected = s.opts.Caller.Hex()
		}
		return validate.Address(value, connected)
	case recipients.FieldAmount:
		token := s.Token()
		return validate.Amount(value, s.balanceOf(token), int(token.Decimals))
	}
	return nil
}

// ResetRecipients restores the two empty rows and discards derived data.
func (s *Session) ResetRecipients() []models.Recipient {
	s.mu.Lock()
	s.recipients = recipients.Reset()
	s.estimate = nil
	s.gasUsed = nil
	list := append([]models.Recipient(nil), s.recipients...)
	s.mu.Unlock()

	s.notify(Event{Type: EventRecipientsUpdated, Data: list})
	s.notify(Event{Type: EventEstimateUpdated, Data: (*models.GasEstimate)(nil)})
	return list
}

// editRecipients applies a user edit. The estimate priced the previous
// list, so it is dropped.
func (s *Session) editRecipients(fn func([]models.Recipient) []models.Recipient) []models.Recipient {
	list := s.mutateRecipients(fn)

	s.mu.Lock()
	dropped := s.estimate != nil
	s.estimate = nil
	s.mu.Unlock()
	if dropped {
		s.notify(Event{Type: EventEstimateUpdated, Data: (*models.GasEstimate)(nil)})
	}
	return list
}

func (s *Session) mutateRecipients(fn func([]models.Recipient) []models.Recipient) []models.Recipient {
	s.mu.Lock()
	s.recipients = fn(s.recipients)
	list := append([]models.Recipient(nil), s.recipients...)
	s.mu.Unlock()

	s.notify(Event{Type: EventRecipientsUpdated, Data: list})
	return list
}

func (s *Session) balanceOf(token models.Token) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.portfolio == nil {
		return ""
	}
	if token.IsNative {
		return s.portfolio.EthBalance
	}
	for _, b := range s.portfolio.Balances {
		if b.Address == token.Address {
			return b.Balance
		}
	}
	return ""
}

func (s *Session) begin(message string) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.busy = true
	s.mu.Unlock()
	s.notify(Event{Type: EventStatusUpdated, Data: Status{Busy: true, Message: message}})
	return nil
}

func (s *Session) end(message string, err error) {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
	st := Status{Message: message}
	if err != nil {
		st.Error = err.Error()
	}
	s.notify(Event{Type: EventStatusUpdated, Data: st})
}

// Busy reports whether an estimate or send is running.
func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// Estimate prices the current valid recipients with both strategies.
func (s *Session) Estimate(ctx context.Context) (*models.GasEstimate, error) {
	if err := s.begin("estimating gas"); err != nil {
		return nil, err
	}
	est, err := s.runEstimate(ctx)
	s.end("estimate finished", err)
	return est, err
}

func (s *Session) runEstimate(ctx context.Context) (*models.GasEstimate, error) {
	if s.opts.Estimator == nil || s.opts.GasPricer == nil {
		return nil, ErrNoEstimate
	}
	valid := s.ValidRecipients()
	if len(valid) == 0 {
		return nil, ErrNoRecipients
	}
	gasPrice, err := s.opts.GasPricer.SuggestGasPrice(ctx)
	if err != nil {
		s.logger.Error("gas price unavailable", "err", err)
		return nil, fmt.Errorf("gas price: %w", err)
	}

	est := s.opts.Estimator.Estimate(ctx, valid, s.Token(), s.opts.Caller, gasPrice)

	s.mu.Lock()
	s.estimate = est
	s.mu.Unlock()
	s.notify(Event{Type: EventEstimateUpdated, Data: est})

	if est == nil {
		return nil, ErrNoEstimate
	}
	return est, nil
}

// Send dispatches the current valid recipients. Only one estimate or send
// runs at a time; an overlapping call gets ErrBusy.
func (s *Session) Send(ctx context.Context, strategy models.Strategy) (models.DispatchReport, error) {
	if err := s.begin("sending"); err != nil {
		return models.DispatchReport{}, err
	}
	report, err := s.send(ctx, strategy)
	s.end("send finished", err)
	return report, err
}

func (s *Session) send(ctx context.Context, strategy models.Strategy) (models.DispatchReport, error) {
	if s.opts.Dispatcher == nil {
		return models.DispatchReport{}, ErrNoWallet
	}
	valid := s.ValidRecipients()
	if len(valid) == 0 {
		return models.DispatchReport{}, ErrNoRecipients
	}
	ids := recipients.IDs(valid)
	s.mutateRecipients(func(list []models.Recipient) []models.Recipient {
		return recipients.SetStatusAll(recipients.ClearStatus(list), ids, models.StatusPending, "")
	})

	s.mu.RLock()
	token := s.token
	estimate := s.estimate
	s.mu.RUnlock()

	hooks := dispatch.Hooks{
		OnStatus: func(id string, status models.RecipientStatus, txHash string) {
			s.mutateRecipients(func(list []models.Recipient) []models.Recipient {
				return recipients.SetStatus(list, id, status, txHash)
			})
		},
		OnGasUsed: func(g models.ActualGasUsed) {
			s.mu.Lock()
			s.gasUsed = &g
			s.mu.Unlock()
			s.notify(Event{Type: EventGasUsedUpdated, Data: g})
		},
	}

	var report models.DispatchReport
	switch strategy {
	case models.StrategyBatch:
		report = s.opts.Dispatcher.SendBatch(ctx, valid, token, estimate, hooks)
	case models.StrategyIndividual:
		report = s.opts.Dispatcher.SendIndividual(ctx, valid, token, hooks)
	default:
		return models.DispatchReport{}, fmt.Errorf("unknown strategy %q", strategy)
	}

	s.mu.Lock()
	s.lastReport = &report
	s.mu.Unlock()
	s.notify(Event{Type: EventSendFinished, Data: report})
	return report, nil
}

// Refresh reloads the caller's portfolio.
func (s *Session) Refresh(ctx context.Context) error {
	if s.opts.Portfolio == nil || s.opts.Caller == (common.Address{}) {
		return ErrNoPortfolio
	}
	p, err := s.opts.Portfolio.Refresh(ctx, s.opts.Caller)
	if err != nil {
		s.notify(Event{Type: EventStatusUpdated, Data: Status{Message: "portfolio refresh failed", Error: err.Error()}})
		return err
	}
	s.mu.Lock()
	s.portfolio = &p
	s.mu.Unlock()
	s.notify(Event{Type: EventPortfolioUpdated, Data: copyPortfolio(p)})
	return nil
}

// Compare times batched against individual reads and keeps the result in
// a bounded history.
func (s *Session) Compare(ctx context.Context) (models.ReadComparison, error) {
	if s.opts.Portfolio == nil || s.opts.Caller == (common.Address{}) {
		return models.ReadComparison{}, ErrNoPortfolio
	}
	cmp, err := s.opts.Portfolio.Compare(ctx, s.opts.Caller)
	if err != nil {
		return models.ReadComparison{}, err
	}
	s.mu.Lock()
	s.comparisons = append(s.comparisons, cmp)
	if len(s.comparisons) > MaxComparisons {
		s.comparisons = s.comparisons[len(s.comparisons)-MaxComparisons:]
	}
	s.mu.Unlock()
	s.notify(Event{Type: EventComparisonUpdated, Data: cmp})
	return cmp, nil
}

// Start refreshes the portfolio now and then on every interval until ctx
// is done or Stop is called.
func (s *Session) Start(ctx context.Context) {
	go s.pollingLoop(ctx)
}

// Stop stops the refresh loop. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Session) pollingLoop(ctx context.Context) {
	s.refreshQuietly(ctx)

	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refreshQuietly(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) refreshQuietly(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrNoPortfolio) {
		s.logger.Warn("portfolio refresh failed", "err", err)
	}
}

func copyPortfolio(p models.Portfolio) models.Portfolio {
	p.Balances = append([]models.TokenBalance(nil), p.Balances...)
	prices := make(models.PriceData, len(p.Prices))
	for k, v := range p.Prices {
		prices[k] = v
	}
	p.Prices = prices
	return p
}
