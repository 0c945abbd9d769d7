// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/pickup/migration"
)

// readyTimeout bounds the backend pings of one readiness probe.
const readyTimeout = 2 * time.Second

// Config holds health check server configuration.
type Config struct {
	Address         string
	InstanceID      string
	ShutdownTimeout time.Duration
}

// Pinger is a backend that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Scheduler reports the migration leadership of this instance.
type Scheduler interface {
	Status() migration.Status
}

// SessionCounter reports the number of live sessions routed here.
type SessionCounter interface {
	Active() int
}

// Dependencies are the components the probes inspect. Any may be nil.
type Dependencies struct {
	Fast      Pinger
	Durable   Pinger
	Scheduler Scheduler
	Sessions  SessionCounter
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/cluster/status", s.handleClusterStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK when both storage tiers answer a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := s.check(ctx); err != nil {
		s.logger.Warn("Readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

func (s *Server) check(ctx context.Context) error {
	tiers := []struct {
		name string
		p    Pinger
	}{
		{"fast store", s.deps.Fast},
		{"durable store", s.deps.Durable},
	}
	for _, t := range tiers {
		if t.p == nil {
			return fmt.Errorf("%s not initialized", t.name)
		}
		if err := t.p.Ping(ctx); err != nil {
			return fmt.Errorf("%s unavailable", t.name)
		}
	}
	return nil
}

// ClusterStatusResponse represents the migration leadership of this
// instance.
type ClusterStatusResponse struct {
	InstanceID string     `json:"instance_id"`
	IsLeader   bool       `json:"is_leader"`
	State      string     `json:"state"`
	Since      *time.Time `json:"since,omitempty"`
	Sessions   int        `json:"sessions"`
	Details    string     `json:"details,omitempty"`
}

// handleClusterStatus returns the migration role and live session count.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := ClusterStatusResponse{
		InstanceID: s.config.InstanceID,
		State:      migration.Follower.String(),
	}
	if s.deps.Sessions != nil {
		response.Sessions = s.deps.Sessions.Active()
	}

	if s.deps.Scheduler == nil {
		response.Details = "migration disabled"
		writeJSON(w, http.StatusOK, response)
		return
	}

	st := s.deps.Scheduler.Status()
	if st.Owner != "" {
		response.InstanceID = st.Owner
	}
	response.State = st.State
	response.IsLeader = st.State == migration.Leader.String()
	since := st.Since
	response.Since = &since

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
