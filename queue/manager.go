// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/absmach/pickup/push"
	"github.com/absmach/pickup/server/otel"
	"github.com/absmach/pickup/storage"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// SessionChecker reports whether a connection has a live session anywhere
// in the cluster.
type SessionChecker interface {
	GetLiveSession(ctx context.Context, connectionID string) bool
}

// Config holds the dependencies of the queue manager.
type Config struct {
	Fast    storage.FastStore
	Durable storage.DurableStore

	// Sessions decides between live delivery and push. Nil means no
	// connection is ever live.
	Sessions SessionChecker

	// Notifier wakes clients without a live session. Nil disables push.
	Notifier push.Notifier

	Clock   clockwork.Clock // nil uses the real clock
	Metrics *otel.Metrics   // nil if metrics disabled
	Tracer  trace.Tracer    // nil if tracing disabled
	Logger  *slog.Logger
}

// Manager composes the fast and durable tiers into one logical queue
// per connection.
type Manager struct {
	fast     storage.FastStore
	durable  storage.DurableStore
	sessions SessionChecker
	notifier push.Notifier
	pushOn   bool
	clock    clockwork.Clock
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	entropyMu sync.Mutex
	entropy   io.Reader

	sessMu sync.RWMutex
}

// NewManager creates a new queue manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Fast == nil || cfg.Durable == nil {
		return nil, fmt.Errorf("queue stores cannot be nil")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = push.Noop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		fast:     cfg.Fast,
		durable:  cfg.Durable,
		sessions: cfg.Sessions,
		notifier: cfg.Notifier,
		pushOn:   push.Enabled(cfg.Notifier),
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (m *Manager) newID() (string, error) {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(m.clock.Now()), m.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}
	return id.String(), nil
}

// Enqueue appends a message to the tail of the connection's fast-tier list,
// announces it on the connection channel and, when nobody holds a live
// session, asks the push service to wake the client.
//
// Only a failure to store the message is returned. Publishing and push
// are best-effort.
func (m *Manager) Enqueue(ctx context.Context, req AddRequest) (string, error) {
	if req.ConnectionID == "" || len(req.RecipientDIDs) == 0 || len(req.Payload) == 0 {
		return "", fmt.Errorf("%w: connectionId, recipientDids and payload are required", ErrInvalidRequest)
	}

	var payload bytes.Buffer
	if err := json.Compact(&payload, req.Payload); err != nil {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}

	ctx, span := m.tracer.Start(ctx, "queue.enqueue",
		trace.WithAttributes(attribute.String("connection_id", req.ConnectionID)))
	defer span.End()

	id, err := m.newID()
	if err != nil {
		return "", err
	}
	now := m.clock.Now().UTC()

	rec := storage.QueuedRecord{
		MessageID:        id,
		ConnectionID:     req.ConnectionID,
		RecipientDIDs:    req.RecipientDIDs,
		EncryptedMessage: json.RawMessage(payload.Bytes()),
		State:            storage.StatePending,
		ByteCount:        int64(payload.Len()),
		ReceivedAt:       now,
	}
	raw, err := rec.Encode()
	if err != nil {
		return "", err
	}

	if err := m.fast.Append(ctx, storage.QueueKey(req.ConnectionID), raw); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	m.metrics.RecordEnqueued(rec.ByteCount)

	m.logger.Debug("message queued",
		slog.String("connection_id", req.ConnectionID),
		slog.String("message_id", id),
		slog.Int64("bytes", rec.ByteCount))

	m.publish(ctx, rec)

	if m.pushOn && req.Token != "" && !m.hasLiveSession(ctx, req.ConnectionID) {
		m.notify(ctx, req.Token, id)
	}

	return id, nil
}

func (m *Manager) publish(ctx context.Context, rec storage.QueuedRecord) {
	data, err := json.Marshal(Notification{
		ConnectionID: rec.ConnectionID,
		Messages:     []QueuedMessage{fromQueued(rec)},
	})
	if err != nil {
		m.logger.Error("failed to encode notification",
			slog.String("message_id", rec.MessageID),
			slog.String("error", err.Error()))
		return
	}

	if err := m.fast.Publish(ctx, storage.ChannelName(rec.ConnectionID), data); err != nil {
		m.logger.Warn("failed to publish message notification",
			slog.String("connection_id", rec.ConnectionID),
			slog.String("message_id", rec.MessageID),
			slog.String("error", err.Error()))
	}
}

// SetSessions replaces the session checker. The live session router
// depends on the transport, which depends on the manager, so it is
// usually wired after construction.
func (m *Manager) SetSessions(sessions SessionChecker) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	m.sessions = sessions
}

func (m *Manager) hasLiveSession(ctx context.Context, connectionID string) bool {
	m.sessMu.RLock()
	sessions := m.sessions
	m.sessMu.RUnlock()

	if sessions == nil {
		return false
	}
	return sessions.GetLiveSession(ctx, connectionID)
}

func (m *Manager) notify(ctx context.Context, token, messageID string) {
	ok, err := m.notifier.Notify(ctx, token, messageID)
	m.metrics.RecordPush(ok && err == nil)

	switch {
	case err != nil:
		m.logger.Warn("push notification failed",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()))
	case !ok:
		m.logger.Warn("push notification was not accepted",
			slog.String("message_id", messageID))
	default:
		m.logger.Debug("push notification sent",
			slog.String("message_id", messageID))
	}
}

// selection tracks where dequeued messages came from so they can be deleted.
type selection struct {
	messages   []QueuedMessage
	seen       map[string]struct{}
	durableIDs []string
	fastRaws   []string
	running    int64
}

func (s *selection) addDurable(r storage.Record) {
	s.messages = append(s.messages, fromRecord(r))
	s.seen[r.MessageID] = struct{}{}
	s.durableIDs = append(s.durableIDs, r.MessageID)
}

func (s *selection) addFast(r storage.QueuedRecord, raw string) {
	s.messages = append(s.messages, fromQueued(r))
	s.seen[r.MessageID] = struct{}{}
	s.fastRaws = append(s.fastRaws, raw)
}

// Dequeue returns the oldest pending messages of a connection. Durable
// records come first, ordered by age, followed by fast-tier records in list
// order. A message found in both tiers is returned once, from the durable
// tier.
//
// A read failure aborts the call before anything is deleted. Delete
// failures are logged and the selected messages are still returned.
func (m *Manager) Dequeue(ctx context.Context, req TakeRequest) ([]QueuedMessage, error) {
	if req.ConnectionID == "" {
		return nil, fmt.Errorf("%w: connectionId is required", ErrInvalidRequest)
	}
	if req.Limit < 0 || req.LimitBytes < 0 {
		return nil, fmt.Errorf("%w: limits cannot be negative", ErrInvalidRequest)
	}

	ctx, span := m.tracer.Start(ctx, "queue.dequeue",
		trace.WithAttributes(
			attribute.String("connection_id", req.ConnectionID),
			attribute.Bool("delete", req.DeleteMessages)))
	defer span.End()

	sel := &selection{seen: make(map[string]struct{})}
	var dups []string
	var err error

	if req.LimitBytes > 0 {
		dups, err = m.takeByBytes(ctx, req, sel)
	} else {
		dups, err = m.takeByCount(ctx, req, sel)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if req.DeleteMessages {
		m.deleteSelected(ctx, req.ConnectionID, sel, dups)
	}
	m.metrics.RecordDequeued(len(sel.messages), req.DeleteMessages)

	m.logger.Debug("messages taken from queue",
		slog.String("connection_id", req.ConnectionID),
		slog.Int("count", len(sel.messages)),
		slog.Int64("bytes", sel.running))

	return sel.messages, nil
}

func pendingFilter(req TakeRequest) storage.Filter {
	return storage.Filter{
		ConnectionID: req.ConnectionID,
		RecipientKey: req.RecipientDID,
		MatchEither:  true,
		State:        storage.StatePending,
	}
}

func (m *Manager) takeByCount(ctx context.Context, req TakeRequest, sel *selection) ([]string, error) {
	records, err := m.durable.Find(ctx, storage.Query{Filter: pendingFilter(req), Limit: req.Limit})
	if err != nil {
		return nil, fmt.Errorf("failed to read durable messages: %w", err)
	}
	for _, r := range records {
		sel.addDurable(r)
		sel.running += recordSize(r.ByteCount, []byte(r.EncryptedMessage))
	}

	stop := int64(-1)
	if req.Limit > 0 {
		stop = int64(req.Limit) - 1
	}
	key := storage.QueueKey(req.ConnectionID)
	raws, err := m.fast.Range(ctx, key, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to read queued messages: %w", err)
	}

	var dups []string
	for _, raw := range raws {
		r, ok := m.decode(key, raw)
		if !ok {
			continue
		}
		if _, dup := sel.seen[r.MessageID]; dup {
			dups = append(dups, raw)
			continue
		}
		sel.addFast(r, raw)
		sel.running += recordSize(r.ByteCount, r.EncryptedMessage)
	}
	return dups, nil
}

func (m *Manager) takeByBytes(ctx context.Context, req TakeRequest, sel *selection) ([]string, error) {
	records, err := m.durable.Find(ctx, storage.Query{Filter: pendingFilter(req)})
	if err != nil {
		return nil, fmt.Errorf("failed to read durable messages: %w", err)
	}
	for _, r := range records {
		size := recordSize(r.ByteCount, []byte(r.EncryptedMessage))
		if sel.running+size > req.LimitBytes {
			break
		}
		sel.addDurable(r)
		sel.running += size
	}

	if sel.running >= req.LimitBytes {
		return nil, nil
	}

	key := storage.QueueKey(req.ConnectionID)
	raws, err := m.fast.Range(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read queued messages: %w", err)
	}

	var dups []string
	for _, raw := range raws {
		r, ok := m.decode(key, raw)
		if !ok {
			continue
		}
		if _, dup := sel.seen[r.MessageID]; dup {
			dups = append(dups, raw)
			continue
		}
		size := recordSize(r.ByteCount, r.EncryptedMessage)
		if sel.running+size > req.LimitBytes {
			break
		}
		sel.addFast(r, raw)
		sel.running += size
	}
	return dups, nil
}

func (m *Manager) decode(key, raw string) (storage.QueuedRecord, bool) {
	r, err := storage.DecodeQueued(key, raw)
	if err != nil {
		m.logger.Warn("skipping malformed queued message",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return storage.QueuedRecord{}, false
	}
	return r, true
}

// deleteSelected removes returned messages from their tier. Fast-tier
// duplicates of returned durable records are removed as well so a later
// migration cannot resurrect them.
func (m *Manager) deleteSelected(ctx context.Context, connectionID string, sel *selection, dups []string) {
	if len(sel.durableIDs) > 0 {
		if _, err := m.durable.Delete(ctx, storage.Filter{MessageIDs: sel.durableIDs}); err != nil {
			m.logger.Error("failed to delete taken durable messages",
				slog.String("connection_id", connectionID),
				slog.Int("count", len(sel.durableIDs)),
				slog.String("error", err.Error()))
		}
	}

	key := storage.QueueKey(connectionID)
	for _, raw := range append(sel.fastRaws, dups...) {
		if _, err := m.fast.RemoveValue(ctx, key, 1, raw); err != nil {
			m.logger.Error("failed to delete taken queued message",
				slog.String("connection_id", connectionID),
				slog.String("error", err.Error()))
		}
	}
}

// Count returns the number of messages held for a connection in both
// tiers. Backend errors are logged and reported as zero.
func (m *Manager) Count(ctx context.Context, connectionID string) int64 {
	fast, err := m.fast.Len(ctx, storage.QueueKey(connectionID))
	if err != nil {
		m.logger.Error("failed to count queued messages",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
		return 0
	}

	durable, err := m.durable.Count(ctx, storage.Filter{ConnectionID: connectionID})
	if err != nil {
		m.logger.Error("failed to count durable messages",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()))
		return 0
	}

	return fast + durable
}

// RemoveMessages deletes the given messages of a connection from both
// tiers. Both tiers are always attempted; errors are joined.
func (m *Manager) RemoveMessages(ctx context.Context, connectionID string, messageIDs []string) error {
	if connectionID == "" {
		return fmt.Errorf("%w: connectionId is required", ErrInvalidRequest)
	}
	if len(messageIDs) == 0 {
		return nil
	}

	var removed int64
	var errs []error

	key := storage.QueueKey(connectionID)
	raws, err := m.fast.Range(ctx, key, 0, -1)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to read queued messages: %w", err))
	} else {
		first := make(map[string]string, len(messageIDs))
		for _, raw := range raws {
			r, ok := m.decode(key, raw)
			if !ok {
				continue
			}
			if _, found := first[r.MessageID]; !found {
				first[r.MessageID] = raw
			}
		}

		for _, id := range messageIDs {
			raw, ok := first[id]
			if !ok {
				continue
			}
			n, err := m.fast.RemoveValue(ctx, key, 1, raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to remove queued message %s: %w", id, err))
				continue
			}
			removed += n
			delete(first, id)
		}
	}

	n, err := m.durable.Delete(ctx, storage.Filter{ConnectionID: connectionID, MessageIDs: messageIDs})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to remove durable messages: %w", err))
	}
	removed += n

	m.metrics.RecordRemoved(int(removed))
	m.logger.Debug("messages removed",
		slog.String("connection_id", connectionID),
		slog.Int("requested", len(messageIDs)),
		slog.Int64("removed", removed))

	return errors.Join(errs...)
}

// RemoveAll deletes every message of a connection addressed to
// recipientDID from both tiers.
func (m *Manager) RemoveAll(ctx context.Context, connectionID, recipientDID string) error {
	if connectionID == "" || recipientDID == "" {
		return fmt.Errorf("%w: connectionId and recipientDid are required", ErrInvalidRequest)
	}

	var removed int64
	var errs []error

	key := storage.QueueKey(connectionID)
	raws, err := m.fast.Range(ctx, key, 0, -1)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to read queued messages: %w", err))
	}
	for _, raw := range raws {
		r, ok := m.decode(key, raw)
		if !ok || !r.HasRecipient(recipientDID) {
			continue
		}
		n, err := m.fast.RemoveValue(ctx, key, 1, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to remove queued message %s: %w", r.MessageID, err))
			continue
		}
		removed += n
	}

	n, err := m.durable.Delete(ctx, storage.Filter{ConnectionID: connectionID, RecipientKey: recipientDID})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to remove durable messages: %w", err))
	}
	removed += n

	m.metrics.RecordRemoved(int(removed))
	m.logger.Info("removed all messages for recipient",
		slog.String("connection_id", connectionID),
		slog.String("recipient_did", recipientDID),
		slog.Int64("removed", removed))

	return errors.Join(errs...)
}

// ResetSending returns durable messages stuck in the sending state to
// pending. An empty connectionID resets every connection.
func (m *Manager) ResetSending(ctx context.Context, connectionID string) (int64, error) {
	n, err := m.durable.UpdateState(ctx,
		storage.Filter{ConnectionID: connectionID, State: storage.StateSending},
		storage.StatePending)
	if err != nil {
		return 0, fmt.Errorf("failed to reset sending messages: %w", err)
	}

	m.logger.Info("reset sending messages",
		slog.String("connection_id", connectionID),
		slog.Int64("count", n))
	return n, nil
}
