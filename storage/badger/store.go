// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/pickup/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.DurableStore = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory, Dir is ignored
	GCInterval time.Duration // Value log GC period, 0 uses five minutes
}

// Store is a BadgerDB-backed storage.DurableStore.
//
// Key format:
//   - Record: msg/{createdAt unix nanos, big endian}{messageID}
//   - Index:  id/{messageID} -> record key
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a BadgerDB-backed durable store.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Durable tier: every migrated message must survive a crash.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		logger:   logger,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC(interval, cfg.InMemory)

	return s, nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger closed", storage.ErrUnavailable)
	}
	return nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration, inMemory bool) {
	defer close(s.gcDone)

	if inMemory {
		<-s.gcStopCh
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns ErrNoRewrite when nothing was reclaimed.
			if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				s.logger.Debug("badger value log gc", slog.String("error", err.Error()))
			}
		case <-s.gcStopCh:
			// Skip a final GC; running it during close can corrupt the value log.
			return
		}
	}
}
