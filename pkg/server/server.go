package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"multisend/pkg/models"
	"multisend/pkg/recipients"
	"multisend/pkg/session"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestTimeout bounds estimate, send, refresh and compare requests.
var RequestTimeout = 5 * time.Minute

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	session *session.Session
	logger  *log.Logger
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
	mux     *http.ServeMux
	http    *http.Server

	sub       session.Subscriber
	forwarded chan struct{}
}

// NewServer exposes sess over HTTP. gatherer backs /metrics and may be nil.
func NewServer(sess *session.Session, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		session: sess,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		mux:     http.NewServeMux(),
	}
	s.routes(gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/recipients", s.handleListRecipients)
	s.mux.HandleFunc("POST /api/recipients", s.handleAddRecipient)
	s.mux.HandleFunc("POST /api/recipients/reset", s.handleResetRecipients)
	s.mux.HandleFunc("PATCH /api/recipients/{id}", s.handleUpdateRecipient)
	s.mux.HandleFunc("DELETE /api/recipients/{id}", s.handleRemoveRecipient)
	s.mux.HandleFunc("POST /api/token", s.handleSelectToken)
	s.mux.HandleFunc("POST /api/estimate", s.handleEstimate)
	s.mux.HandleFunc("POST /api/send", s.handleSend)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/compare", s.handleCompare)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves on port until Shutdown is called.
func (s *Server) Start(port int) error {
	s.watchSession()

	s.http = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("API server listening", "port", port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops forwarding session events and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		s.session.Unsubscribe(sub)
	}

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoRecipients), errors.Is(err, session.ErrUnknownToken):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoWallet), errors.Is(err, session.ErrNoPortfolio):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Recipients())
}

func (s *Server) handleAddRecipient(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, s.session.AddRecipient())
}

func (s *Server) handleResetRecipients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.ResetRecipients())
}

func (s *Server) handleRemoveRecipient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := recipients.Find(s.session.Recipients(), id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown recipient %q", id))
		return
	}
	writeJSON(w, http.StatusOK, s.session.RemoveRecipient(id))
}

type updateRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type updateResponse struct {
	Recipients []models.Recipient `json:"recipients"`
	Error      string             `json:"error,omitempty"`
}

// handleUpdateRecipient stores the value even when it does not validate;
// the validation message is returned next to the updated list.
func (s *Server) handleUpdateRecipient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if _, err := recipients.ParseField(req.Field); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := recipients.Find(s.session.Recipients(), id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown recipient %q", id))
		return
	}

	resp := updateResponse{}
	if err := s.session.UpdateRecipient(id, req.Field, req.Value); err != nil {
		resp.Error = err.Error()
	}
	resp.Recipients = s.session.Recipients()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSelectToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := s.session.SelectToken(req.Symbol); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Token())
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()
	est, err := s.session.Estimate(ctx)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy models.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.Strategy != models.StrategyIndividual && req.Strategy != models.StrategyBatch {
		writeError(w, http.StatusBadRequest, fmt.Errorf("strategy must be %q or %q", models.StrategyIndividual, models.StrategyBatch))
		return
	}

	// A send keeps going when the client disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), RequestTimeout)
	defer cancel()
	report, err := s.session.Send(ctx, req.Strategy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()
	if err := s.session.Refresh(ctx); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot().Portfolio)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()
	cmp, err := s.session.Compare(ctx)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// The initial write and registration happen under mu so a broadcast
	// never writes to conn concurrently.
	s.mu.Lock()
	err = conn.WriteJSON(session.Event{Type: "initial", Data: s.session.Snapshot()})
	if err == nil {
		s.clients[conn] = true
	}
	s.mu.Unlock()
	if err != nil {
		return
	}

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// watchSession subscribes to the session and forwards its events to the
// websocket clients until Shutdown.
func (s *Server) watchSession() {
	sub := s.session.Subscribe()
	done := make(chan struct{})

	s.mu.Lock()
	s.sub = sub
	s.forwarded = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.listenToSession(sub)
	}()
}

// listenToSession returns once sub is closed by Unsubscribe.
func (s *Server) listenToSession(sub session.Subscriber) {
	for event := range sub {
		s.broadcast(event)
	}
}

func (s *Server) broadcast(event session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for client := range s.clients {
		if err := client.WriteJSON(event); err != nil {
			_ = client.Close()
			delete(s.clients, client)
		}
	}
}
