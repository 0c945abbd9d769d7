// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/pickup/queue"
	"github.com/absmach/pickup/server/otel"
	"github.com/absmach/pickup/storage"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("router closed")

// routeTimeout bounds the session lookup and send for one inbound event.
const routeTimeout = 10 * time.Second

// Event is delivered to the socket holding a connection's live session.
type Event struct {
	ConnectionID string                `json:"connectionId"`
	Messages     []queue.QueuedMessage `json:"messages"`
	ID           string                `json:"id"`
}

// Sender is the transport primitive that writes an event to one socket.
type Sender interface {
	SendToClient(ctx context.Context, socketID string, event Event) error
}

// Store is the subset of the fast store the router needs.
type Store interface {
	storage.HashStore
	storage.PubSub
}

// Config holds the dependencies of the router.
type Config struct {
	Store      Store
	Sender     Sender
	InstanceID string
	Metrics    *otel.Metrics // nil if metrics disabled
	Logger     *slog.Logger
}

// Router records which socket holds each connection's live session and
// forwards messages published on the connection channel to that socket.
// Each subscription is served by its own goroutine.
type Router struct {
	store      Store
	sender     Sender
	instanceID string
	metrics    *otel.Metrics
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[string]*listener // connection ID -> listener
	closed    bool
	wg        sync.WaitGroup
}

type listener struct {
	socketID string
	sub      storage.Subscription
}

// NewRouter creates a new live session router.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Store == nil || cfg.Sender == nil {
		return nil, fmt.Errorf("router store and sender cannot be nil")
	}
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("router instance id cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		store:      cfg.Store,
		sender:     cfg.Sender,
		instanceID: cfg.InstanceID,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		listeners:  make(map[string]*listener),
	}, nil
}

// AddLiveSession binds a connection to a socket of this instance and
// subscribes to its channel, replacing any previous subscription.
// Returns false without subscribing if the session record cannot be written.
func (r *Router) AddLiveSession(ctx context.Context, connectionID, sessionID, socketID string) bool {
	if connectionID == "" || sessionID == "" || socketID == "" {
		return false
	}

	err := r.store.SetFields(ctx, storage.SessionKey(connectionID), map[string]string{
		storage.SessionFieldSessionID:  sessionID,
		storage.SessionFieldSocketID:   socketID,
		storage.SessionFieldInstanceID: r.instanceID,
	})
	if err != nil {
		r.logger.Error("failed to store live session",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
		return false
	}

	if err := r.subscribe(ctx, connectionID, socketID); err != nil {
		r.logger.Error("failed to subscribe to connection channel",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
		if _, err := r.store.Delete(ctx, storage.SessionKey(connectionID)); err != nil {
			r.logger.Warn("failed to clean up live session",
				slog.String("connection_id", connectionID),
				slog.String("error", err.Error()))
		}
		return false
	}

	r.logger.Debug("live session added",
		slog.String("connection_id", connectionID),
		slog.String("session_id", sessionID),
		slog.String("socket_id", socketID))
	return true
}

// GetLiveSession reports whether a live session exists for the connection
// on any instance. Backend errors are logged and reported as false.
func (r *Router) GetLiveSession(ctx context.Context, connectionID string) bool {
	fields, err := r.store.GetFields(ctx, storage.SessionKey(connectionID))
	if err != nil {
		r.logger.Error("failed to read live session",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
		return false
	}
	return fields[storage.SessionFieldSessionID] != ""
}

// RemoveLiveSession deletes the connection's session record and, if one
// was deleted, stops routing its channel here. Returns whether a record
// existed.
func (r *Router) RemoveLiveSession(ctx context.Context, connectionID string) bool {
	existed, err := r.store.Delete(ctx, storage.SessionKey(connectionID))
	if err != nil {
		r.logger.Error("failed to remove live session",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
		return false
	}

	if existed {
		r.unsubscribe(connectionID, "")
	}

	r.logger.Debug("live session removed",
		slog.String("connection_id", connectionID),
		slog.Bool("existed", existed))
	return existed
}

// DropSocket ends every session bound to a closed socket. A session record
// is only deleted while it still points at socketID, so a client that
// reconnected elsewhere keeps its new session.
func (r *Router) DropSocket(ctx context.Context, socketID string) int {
	r.mu.Lock()
	var conns []string
	for conn, l := range r.listeners {
		if l.socketID == socketID {
			conns = append(conns, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range conns {
		r.unsubscribe(conn, socketID)

		key := storage.SessionKey(conn)
		fields, err := r.store.GetFields(ctx, key)
		if err != nil {
			r.logger.Warn("failed to read live session of closed socket",
				slog.String("connection_id", conn),
				slog.String("error", err.Error()))
			continue
		}
		if fields[storage.SessionFieldSocketID] != socketID {
			continue
		}
		if _, err := r.store.Delete(ctx, key); err != nil {
			r.logger.Warn("failed to remove live session of closed socket",
				slog.String("connection_id", conn),
				slog.String("error", err.Error()))
		}
	}

	return len(conns)
}

// Active returns the number of connections routed by this instance.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Close stops every listener. Session records are left to the transport,
// which drops them as its sockets close.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := r.listeners
	r.listeners = make(map[string]*listener)
	r.mu.Unlock()

	var errs []error
	for _, l := range all {
		if err := l.sub.Close(); err != nil {
			errs = append(errs, err)
		}
		r.metrics.RecordSessionRemoved()
	}
	r.cancel()
	r.wg.Wait()

	return errors.Join(errs...)
}

func (r *Router) subscribe(ctx context.Context, connectionID, socketID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if old, ok := r.listeners[connectionID]; ok {
		delete(r.listeners, connectionID)
		r.metrics.RecordSessionRemoved()
		if err := old.sub.Close(); err != nil {
			r.logger.Warn("failed to close previous subscription",
				slog.String("connection_id", connectionID),
				slog.String("error", err.Error()))
		}
	}

	sub, err := r.store.Subscribe(ctx, storage.ChannelName(connectionID))
	if err != nil {
		return err
	}

	r.listeners[connectionID] = &listener{socketID: socketID, sub: sub}
	r.metrics.RecordSessionAdded()

	r.wg.Add(1)
	go r.listen(connectionID, sub)

	return nil
}

// unsubscribe closes the local subscription of a connection. A non-empty
// socketID only matches a listener bound to that socket.
func (r *Router) unsubscribe(connectionID, socketID string) {
	r.mu.Lock()
	l, ok := r.listeners[connectionID]
	if !ok || (socketID != "" && l.socketID != socketID) {
		r.mu.Unlock()
		return
	}
	delete(r.listeners, connectionID)
	r.mu.Unlock()

	r.metrics.RecordSessionRemoved()
	if err := l.sub.Close(); err != nil {
		r.logger.Warn("failed to close subscription",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
	}
}

func (r *Router) listen(connectionID string, sub storage.Subscription) {
	defer r.wg.Done()

	for payload := range sub.Channel() {
		r.route(connectionID, payload)
	}
}

// route hands one published payload to the socket holding the session.
func (r *Router) route(connectionID string, payload []byte) {
	ctx, cancel := context.WithTimeout(r.ctx, routeTimeout)
	defer cancel()

	fields, err := r.store.GetFields(ctx, storage.SessionKey(connectionID))
	if err != nil {
		r.logger.Warn("failed to read live session for event",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
		r.metrics.RecordLiveDropped("lookup_failed")
		return
	}

	socketID := fields[storage.SessionFieldSocketID]
	if socketID == "" {
		r.logger.Debug("dropping event without live session",
			slog.String("connection_id", connectionID))
		r.metrics.RecordLiveDropped("no_session")
		return
	}
	if owner := fields[storage.SessionFieldInstanceID]; owner != "" && owner != r.instanceID {
		r.logger.Debug("dropping event for session on another instance",
			slog.String("connection_id", connectionID),
			slog.String("instance_id", owner))
		r.metrics.RecordLiveDropped("other_instance")
		return
	}

	var n queue.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		r.logger.Warn("dropping malformed event",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
		r.metrics.RecordLiveDropped("malformed")
		return
	}

	event := Event{ConnectionID: connectionID, Messages: n.Messages}
	if len(n.Messages) > 0 {
		event.ID = n.Messages[0].ID
	}

	if err := r.sender.SendToClient(ctx, socketID, event); err != nil {
		r.logger.Warn("failed to deliver event to socket",
			slog.String("connection_id", connectionID),
			slog.String("socket_id", socketID),
			slog.String("error", err.Error()))
		r.metrics.RecordLiveDropped("send_failed")
		return
	}
	r.metrics.RecordLiveDelivered()
}
