// Package web relays dashboard refresh events to browser listeners and
// exposes the latest snapshot over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bnema/sdash/internal/domain"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	shutdownTimeout = 5 * time.Second
	// refreshTimeout bounds a manual refresh, which outlives the request
	// that triggered it.
	refreshTimeout = 2 * time.Minute
)

// Controller is the part of the orchestrator the relay exposes.
type Controller interface {
	Latest() domain.Payload
	State() domain.PollingState
	Refresh(ctx context.Context, force bool) (domain.CycleResult, error)
}

type Server struct {
	controller Controller
	hub        *Hub
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	now        func() time.Time
}

type stateResponse struct {
	State   domain.PollingState `json:"state"`
	Payload domain.Payload      `json:"payload"`
}

type refreshResponse struct {
	Changed  bool                                       `json:"changed"`
	Skipped  bool                                       `json:"skipped"`
	Outcomes map[domain.ResourceName]domain.OutcomeKind `json:"outcomes,omitempty"`
	Failures map[domain.ResourceName]string             `json:"failures,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(controller Controller, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		controller: controller,
		hub:        hub,
		logger:     logger,
		upgrader:   websocket.Upgrader{},
		now:        time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	return router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve relay: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		State:   s.controller.State(),
		Payload: s.controller.Latest(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	// A client hanging up does not cancel the shared cycle.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), refreshTimeout)
	defer cancel()

	result, err := s.controller.Refresh(ctx, true)
	if err != nil {
		s.logger.Warn("manual refresh failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	response := refreshResponse{
		Changed:  result.Changed,
		Skipped:  result.Skipped,
		Outcomes: result.Outcomes,
	}
	if len(result.Failures) > 0 {
		response.Failures = make(map[domain.ResourceName]string, len(result.Failures))
		for name, failure := range result.Failures {
			response.Failures[name] = failure.Error()
		}
	}

	status := http.StatusOK
	if result.Skipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, response)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	latest := s.controller.Latest()
	s.hub.serve(conn, domain.Event{
		Type:    domain.EventDataRefreshed,
		At:      s.now(),
		Changed: latest.Names(),
		Payload: latest,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
