// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("store unavailable")
	ErrClosed      = errors.New("store closed")
)

// DecodeError reports a stored record that could not be parsed.
// Callers log and skip such records; they are never deleted automatically.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed record in %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// State is the delivery state of a queued message.
type State string

const (
	StatePending State = "pending"
	StateSending State = "sending"
)

// ListStore holds per-connection ordered lists of serialized messages.
// Values are compared byte-for-byte by RemoveValue, so callers must keep
// the exact raw value returned by Range when removing an entry.
type ListStore interface {
	// Append pushes value to the tail of the list at key.
	Append(ctx context.Context, key, value string) error

	// Range returns entries between start and stop inclusive. Negative
	// indexes count from the tail (-1 is the last entry).
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)

	// RemoveValue removes up to count entries equal to value, head first.
	// Returns the number of removed entries.
	RemoveValue(ctx context.Context, key string, count int64, value string) (int64, error)

	// Len returns the list length (0 for a missing key).
	Len(ctx context.Context, key string) (int64, error)

	// ScanKeys returns all keys matching a glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// HashStore holds small field maps such as live session records.
type HashStore interface {
	SetFields(ctx context.Context, key string, fields map[string]string) error

	// GetFields returns an empty map when the key does not exist.
	GetFields(ctx context.Context, key string) (map[string]string, error)

	// Delete removes the key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
}

// Subscription is a live feed of payloads published on one channel.
// Close unsubscribes at the store and closes the channel returned by Channel.
type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

// PubSub is a fire-and-forget publish/subscribe transport.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// LockStore provides the primitives for a TTL-bounded mutual exclusion token.
// Every method is a single atomic operation on the backend.
type LockStore interface {
	// SetNX sets key to value with a TTL only if the key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the current value, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// ExtendIfValue resets the TTL only while key still holds value.
	ExtendIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// DeleteIfValue deletes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
}

// FastStore is the low-latency tier holding recent messages, live session
// records, per-connection channels and the leader lock.
type FastStore interface {
	ListStore
	HashStore
	PubSub
	LockStore

	Ping(ctx context.Context) error
	Close() error
}

// Record is a message persisted in the durable tier.
type Record struct {
	MessageID        string    `json:"messageId" bson:"messageId" cbor:"1,keyasint"`
	ConnectionID     string    `json:"connectionId" bson:"connectionId" cbor:"2,keyasint"`
	RecipientKeys    []string  `json:"recipientKeys" bson:"recipientKeys" cbor:"3,keyasint"`
	EncryptedMessage string    `json:"encryptedMessage" bson:"encryptedMessage" cbor:"4,keyasint"`
	ByteCount        int64     `json:"encryptedMessageByteCount" bson:"encryptedMessageByteCount" cbor:"5,keyasint"`
	State            State     `json:"state" bson:"state" cbor:"6,keyasint"`
	CreatedAt        time.Time `json:"createdAt" bson:"createdAt" cbor:"7,keyasint"`
}

// HasRecipient reports whether key is one of the record's recipients.
func (r Record) HasRecipient(key string) bool {
	for _, k := range r.RecipientKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Filter selects durable records. Empty fields match everything.
//
// When MatchEither is set, ConnectionID and RecipientKey are OR-ed:
// a record matches if it belongs to the connection or lists the recipient.
// Otherwise every non-empty field must match.
type Filter struct {
	ConnectionID string
	RecipientKey string
	MatchEither  bool
	MessageIDs   []string
	State        State
}

// Matches evaluates the filter against r. Backends without a query
// language (memory, badger) use it directly.
func (f Filter) Matches(r Record) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if len(f.MessageIDs) > 0 && !contains(f.MessageIDs, r.MessageID) {
		return false
	}

	if f.MatchEither && f.ConnectionID != "" && f.RecipientKey != "" {
		return r.ConnectionID == f.ConnectionID || r.HasRecipient(f.RecipientKey)
	}
	return (f.ConnectionID == "" || r.ConnectionID == f.ConnectionID) &&
		(f.RecipientKey == "" || r.HasRecipient(f.RecipientKey))
}

// Query is an ordered range request over the durable tier.
// Results are always ordered by CreatedAt ascending.
type Query struct {
	Filter Filter

	// Limit caps the number of results; 0 means no limit.
	Limit int

	// WithoutPayload leaves EncryptedMessage empty in the results.
	WithoutPayload bool
}

// DurableStore is the durable tier holding aged messages.
type DurableStore interface {
	// Insert stores r. Inserting an existing MessageID is a no-op,
	// so a retried migration never creates a second copy.
	Insert(ctx context.Context, r Record) error

	Find(ctx context.Context, q Query) ([]Record, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Delete(ctx context.Context, f Filter) (int64, error)

	// UpdateState moves every record matching f to state.
	UpdateState(ctx context.Context, f Filter, state State) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
