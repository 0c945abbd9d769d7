// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/absmach/pickup/storage"
	"github.com/jonboulle/clockwork"
)

var _ storage.FastStore = (*FastStore)(nil)

// subscriptionBuffer bounds undelivered payloads per subscription.
// Publishing to a full subscription drops the payload.
const subscriptionBuffer = 64

// FastStore is an in-memory implementation of storage.FastStore.
// It is meant for single-instance deployments and tests.
type FastStore struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	lists  map[string][]string
	hashes map[string]map[string]string
	locks  map[string]lockEntry
	subs   map[string]map[*subscription]struct{}
	closed bool
}

type lockEntry struct {
	value   string
	expires time.Time
}

// NewFastStore creates an in-memory fast store. A nil clock uses wall time.
func NewFastStore(clock clockwork.Clock) *FastStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FastStore{
		clock:  clock,
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
		locks:  make(map[string]lockEntry),
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Append pushes a value to the tail of a list.
func (s *FastStore) Append(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.lists[key] = append(s.lists[key], value)
	return nil
}

// Range returns list entries between start and stop inclusive.
func (s *FastStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return []string{}, nil
	}

	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// RemoveValue removes up to count entries equal to value, head first.
// A count of 0 removes every match.
func (s *FastStore) RemoveValue(ctx context.Context, key string, count int64, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	list := s.lists[key]
	kept := list[:0]
	var removed int64
	for _, v := range list {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, v)
	}

	if len(kept) == 0 {
		delete(s.lists, key)
	} else {
		s.lists[key] = kept
	}
	return removed, nil
}

// Len returns the length of a list.
func (s *FastStore) Len(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	return int64(len(s.lists[key])), nil
}

// ScanKeys returns list and hash keys matching a glob pattern.
func (s *FastStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	var keys []string
	for key := range s.lists {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range s.hashes {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// SetFields writes fields into a hash, creating it if needed.
func (s *FastStore) SetFields(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// GetFields returns a copy of a hash.
func (s *FastStore) GetFields(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// Delete removes a hash, list or lock key.
func (s *FastStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrClosed
	}

	_, inHash := s.hashes[key]
	_, inList := s.lists[key]
	_, inLock := s.locks[key]
	delete(s.hashes, key)
	delete(s.lists, key)
	delete(s.locks, key)
	return inHash || inList || inLock, nil
}

// SetNX sets a lock key if it is absent or expired.
func (s *FastStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrClosed
	}
	if _, ok := s.liveLock(key); ok {
		return false, nil
	}
	s.locks[key] = lockEntry{value: value, expires: s.clock.Now().Add(ttl)}
	return true, nil
}

// Get returns the value of a live lock key.
func (s *FastStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", storage.ErrClosed
	}
	e, ok := s.liveLock(key)
	if !ok {
		return "", storage.ErrNotFound
	}
	return e.value, nil
}

// ExtendIfValue resets the TTL of a lock key still holding value.
func (s *FastStore) ExtendIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrClosed
	}
	e, ok := s.liveLock(key)
	if !ok || e.value != value {
		return false, nil
	}
	s.locks[key] = lockEntry{value: value, expires: s.clock.Now().Add(ttl)}
	return true, nil
}

// DeleteIfValue deletes a lock key still holding value.
func (s *FastStore) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrClosed
	}
	e, ok := s.liveLock(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

// liveLock returns an unexpired lock entry, evicting an expired one.
// Callers must hold s.mu.
func (s *FastStore) liveLock(key string) (lockEntry, bool) {
	e, ok := s.locks[key]
	if !ok {
		return lockEntry{}, false
	}
	if !s.clock.Now().Before(e.expires) {
		delete(s.locks, key)
		return lockEntry{}, false
	}
	return e, true
}

// Ping reports whether the store is open.
func (s *FastStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close closes every subscription and rejects further calls.
func (s *FastStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*subscription
	for _, set := range s.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
