// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/absmach/pickup/ratelimit"
	"github.com/absmach/pickup/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrUnknownSocket is returned when sending to a socket that is not open on
// this instance.
var ErrUnknownSocket = errors.New("unknown socket")

// Config holds the transport settings.
type Config struct {
	Address         string
	Path            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the JSON-RPC API over WebSocket and delivers live session
// events to open sockets.
type Server struct {
	config   Config
	queue    Queue
	limiter  *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	live    Sessions
	sockets map[string]*socket
}

// New creates a transport server. Sessions must be set with SetSessions
// before the server starts accepting connections.
func New(cfg Config, q Queue, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:  cfg,
		queue:   q,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(cfg.AllowedOrigins),
		},
		sockets: make(map[string]*socket),
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// SetSessions sets the live session router used by the session methods and
// by socket cleanup.
func (s *Server) SetSessions(sessions Sessions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = sessions
}

func (s *Server) sessions() Sessions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Handler returns the HTTP handler serving WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	return mux
}

// Listen serves until ctx is cancelled, then shuts down and closes all
// open sockets.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		err := s.server.Shutdown(shutdownCtx)
		s.closeAll()
		if err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// Sockets returns the number of open sockets.
func (s *Server) Sockets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sockets)
}

// SendToClient writes a messagesReceived event to the socket with the
// given ID.
func (s *Server) SendToClient(ctx context.Context, socketID string, event session.Event) error {
	s.mu.RLock()
	sock, ok := s.sockets[socketID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSocket, socketID)
	}

	return sock.writeJSON(notification{
		JSONRPC: jsonRPCVersion,
		Method:  MethodMessagesReceived,
		Params:  event,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowUpgrade(r.RemoteAddr) {
		s.logger.Warn("websocket_upgrade_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	sock := &socket{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: s.config.WriteTimeout,
		done:         make(chan struct{}),
	}

	s.mu.Lock()
	s.sockets[sock.id] = sock
	s.mu.Unlock()

	s.logger.Debug("websocket_connection_accepted",
		slog.String("socket_id", sock.id),
		slog.String("remote_addr", r.RemoteAddr))

	s.serve(sock)
}

// serve runs the read loop of one socket and cleans up when it ends.
func (s *Server) serve(sock *socket) {
	var wg sync.WaitGroup
	defer func() {
		sock.close()
		wg.Wait()
		s.release(sock.id)
	}()

	pongWait := 2 * s.config.PingInterval
	sock.ws.SetReadLimit(s.config.MaxMessageSize)
	_ = sock.ws.SetReadDeadline(time.Now().Add(pongWait))
	sock.ws.SetPongHandler(func(string) error {
		return sock.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.keepalive(sock)

	for {
		msgType, data, err := sock.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket_read_error",
					slog.String("socket_id", sock.id),
					slog.String("error", err.Error()))
			}
			return
		}
		_ = sock.ws.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			s.reply(sock, nullID, nil, newError(codeInvalidRequest, "Invalid Request"))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleFrame(sock, data)
		}()
	}
}

func (s *Server) handleFrame(sock *socket, data []byte) {
	req, rerr := parseRequest(data)
	if rerr != nil {
		id := req.ID
		if len(id) == 0 {
			id = nullID
		}
		s.reply(sock, id, nil, rerr)
		return
	}

	if !s.limiter.AllowRequest(sock.id) {
		if !req.isNotification() {
			s.reply(sock, req.ID, nil, newError(codeRateLimited, "Rate limit exceeded"))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.dispatch(ctx, sock.id, req)
	if err != nil {
		rerr := toRPCError(err)
		if rerr.Code == codeInternal {
			s.logger.Error("websocket_request_failed",
				slog.String("socket_id", sock.id),
				slog.String("method", req.Method),
				slog.String("error", err.Error()))
		}
		if !req.isNotification() {
			s.reply(sock, req.ID, nil, rerr)
		}
		return
	}

	if !req.isNotification() {
		s.reply(sock, req.ID, result, nil)
	}
}

func (s *Server) reply(sock *socket, id json.RawMessage, result any, rerr *rpcError) {
	resp := response{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	if rerr != nil {
		resp.Result = nil
		resp.Error = rerr
	}
	if err := sock.writeJSON(resp); err != nil {
		s.logger.Debug("websocket_write_failed",
			slog.String("socket_id", sock.id),
			slog.String("error", err.Error()))
	}
}

func (s *Server) keepalive(sock *socket) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sock.done:
			return
		case <-ticker.C:
			if err := sock.ping(); err != nil {
				sock.close()
				return
			}
		}
	}
}

// release forgets a closed socket and drops any live sessions it held.
func (s *Server) release(socketID string) {
	s.mu.Lock()
	delete(s.sockets, socketID)
	live := s.live
	s.mu.Unlock()

	s.limiter.OnSocketClosed(socketID)

	dropped := 0
	if live != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
		dropped = live.DropSocket(ctx, socketID)
		cancel()
	}

	s.logger.Debug("websocket_connection_closed",
		slog.String("socket_id", socketID),
		slog.Int("sessions_dropped", dropped))
}

func (s *Server) closeAll() {
	s.mu.RLock()
	socks := make([]*socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.RUnlock()

	for _, sock := range socks {
		sock.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// socket wraps one connection. Gorilla connections allow a single
// concurrent writer, so every write takes wmu.
type socket struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *socket) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *socket) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *socket) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *socket) closeWith(code int, reason string) {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.writeTimeout))
	c.wmu.Unlock()
	c.close()
}

// checkOrigin allows any origin when the list is empty or contains "*".
// Requests without an Origin header are not browsers and are allowed.
func checkOrigin(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
