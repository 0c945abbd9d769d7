// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/pickup/storage"
)

var _ storage.DurableStore = (*DurableStore)(nil)

// DurableStore is an in-memory implementation of storage.DurableStore.
type DurableStore struct {
	mu      sync.RWMutex
	records map[string]storage.Record
	closed  bool
}

// NewDurableStore creates an empty in-memory durable store.
func NewDurableStore() *DurableStore {
	return &DurableStore{
		records: make(map[string]storage.Record),
	}
}

// Insert stores r unless a record with the same MessageID already exists.
func (s *DurableStore) Insert(ctx context.Context, r storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.records[r.MessageID]; ok {
		return nil
	}
	r.RecipientKeys = append([]string(nil), r.RecipientKeys...)
	s.records[r.MessageID] = r
	return nil
}

// Find returns matching records ordered by CreatedAt.
func (s *DurableStore) Find(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	var out []storage.Record
	for _, r := range s.records {
		if !q.Filter.Matches(r) {
			continue
		}
		if q.WithoutPayload {
			r.EncryptedMessage = ""
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Count returns the number of matching records.
func (s *DurableStore) Count(ctx context.Context, f storage.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	var n int64
	for _, r := range s.records {
		if f.Matches(r) {
			n++
		}
	}
	return n, nil
}

// Delete removes matching records.
func (s *DurableStore) Delete(ctx context.Context, f storage.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	var n int64
	for id, r := range s.records {
		if f.Matches(r) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// UpdateState sets the state of matching records.
func (s *DurableStore) UpdateState(ctx context.Context, f storage.Filter, state storage.State) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	var n int64
	for id, r := range s.records {
		if f.Matches(r) {
			r.State = state
			s.records[id] = r
			n++
		}
	}
	return n, nil
}

// Ping reports whether the store is open.
func (s *DurableStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close releases the records.
func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.records = nil
	return nil
}
