// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/pickup/server/otel"
	"github.com/absmach/pickup/storage"
	"github.com/jonboulle/clockwork"
)

// Result summarizes one migration pass.
type Result struct {
	Keys     int // queue lists scanned
	Migrated int // entries moved to the durable tier
	Failed   int // entries left in place after a backend error
	Skipped  int // malformed entries left in place
}

// MigratorConfig holds the dependencies of a Migrator.
type MigratorConfig struct {
	Fast    storage.ListStore
	Durable storage.DurableStore

	// Threshold is the age at which an entry moves to the durable tier.
	Threshold time.Duration

	Clock   clockwork.Clock
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

// Migrator moves aged entries from the fast tier to the durable tier.
type Migrator struct {
	fast      storage.ListStore
	durable   storage.DurableStore
	threshold time.Duration
	clock     clockwork.Clock
	metrics   *otel.Metrics
	logger    *slog.Logger
}

// NewMigrator creates a Migrator.
func NewMigrator(cfg MigratorConfig) (*Migrator, error) {
	if cfg.Fast == nil || cfg.Durable == nil {
		return nil, fmt.Errorf("migration stores cannot be nil")
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("migration threshold must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Migrator{
		fast:      cfg.Fast,
		durable:   cfg.Durable,
		threshold: cfg.Threshold,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}, nil
}

// MigrateOnce scans every queue list and moves entries at least Threshold
// old. Each entry is written to the durable tier before the exact raw value
// is removed from its list, so a crash in between leaves a copy in both
// tiers rather than none. Per-entry failures are logged and counted; only a
// failure to enumerate the lists aborts the pass.
func (m *Migrator) MigrateOnce(ctx context.Context) (Result, error) {
	return m.migrate(ctx, nil)
}

// migrate runs one pass. A non-nil hold is consulted before every entry and
// its error ends the pass early, as does ctx.
func (m *Migrator) migrate(ctx context.Context, hold func() error) (Result, error) {
	start := m.clock.Now()
	var res Result

	check := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if hold != nil {
			return hold()
		}
		return nil
	}

	if err := check(); err != nil {
		return res, err
	}

	keys, err := m.fast.ScanKeys(ctx, storage.QueueKeyPattern)
	if err != nil {
		return res, fmt.Errorf("failed to scan queue keys: %w", err)
	}
	res.Keys = len(keys)

	for _, key := range keys {
		if _, ok := storage.ConnectionFromQueueKey(key); !ok {
			continue
		}
		if err := m.migrateKey(ctx, key, check, &res); err != nil {
			m.metrics.RecordMigration(res.Migrated, res.Failed, m.clock.Since(start))
			return res, err
		}
	}

	elapsed := m.clock.Since(start)
	m.metrics.RecordMigration(res.Migrated, res.Failed, elapsed)

	if res.Migrated > 0 || res.Failed > 0 {
		m.logger.Info("migration pass completed",
			slog.Int("keys", res.Keys),
			slog.Int("migrated", res.Migrated),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.Duration("duration", elapsed))
	} else {
		m.logger.Debug("migration pass completed",
			slog.Int("keys", res.Keys),
			slog.Duration("duration", elapsed))
	}

	return res, nil
}

func (m *Migrator) migrateKey(ctx context.Context, key string, check func() error, res *Result) error {
	if err := check(); err != nil {
		return err
	}

	raws, err := m.fast.Range(ctx, key, 0, -1)
	if err != nil {
		m.logger.Error("failed to read queue list",
			slog.String("key", key),
			slog.String("error", err.Error()))
		res.Failed++
		return nil
	}

	now := m.clock.Now()
	for _, raw := range raws {
		rec, err := storage.DecodeQueued(key, raw)
		if err != nil {
			m.logger.Warn("skipping malformed queued message",
				slog.String("key", key),
				slog.String("error", err.Error()))
			res.Skipped++
			continue
		}

		if now.Sub(rec.ReceivedAt) < m.threshold {
			continue
		}

		if err := check(); err != nil {
			return err
		}

		if err := m.durable.Insert(ctx, rec.ToRecord()); err != nil {
			m.logger.Error("failed to persist message",
				slog.String("key", key),
				slog.String("message_id", rec.MessageID),
				slog.String("error", err.Error()))
			res.Failed++
			continue
		}

		if _, err := m.fast.RemoveValue(ctx, key, 1, raw); err != nil {
			m.logger.Error("failed to remove migrated message",
				slog.String("key", key),
				slog.String("message_id", rec.MessageID),
				slog.String("error", err.Error()))
			res.Failed++
			continue
		}
		res.Migrated++
	}
	return nil
}
