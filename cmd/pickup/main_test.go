// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/pickup/cluster"
	"github.com/absmach/pickup/config"
	"github.com/absmach/pickup/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) string {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Fast = config.FastMemory
	cfg.Storage.Durable = config.DurableMemory
	cfg.Migration.LockBackend = config.LockNone
	cfg.Server.InstanceID = "pickup-test"

	path := filepath.Join(t.TempDir(), "pickup.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	a := app()
	a.Writer = &out
	a.ErrWriter = io.Discard
	err := a.Run(append([]string{"pickup"}, args...))
	return out.String(), err
}

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			logger := newLogger(config.LogConfig{Level: tc.level, Format: "json"})
			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tc.want))
			assert.False(t, logger.Enabled(ctx, tc.want-1))
		})
	}
}

func TestNewInstanceID(t *testing.T) {
	a, b := newInstanceID(), newInstanceID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestNewRateLimiter(t *testing.T) {
	disabled := newRateLimiter(config.RateLimitConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, disabled.AllowRequest("s"))
	}

	limiter := newRateLimiter(config.RateLimitConfig{
		Enabled:         true,
		UpgradeRate:     0.001,
		UpgradeBurst:    1,
		RequestRate:     0.001,
		RequestBurst:    1,
		CleanupInterval: time.Minute,
	})
	defer limiter.Stop()

	assert.True(t, limiter.AllowUpgrade("10.0.0.1:5000"))
	assert.False(t, limiter.AllowUpgrade("10.0.0.1:5001"))
	assert.True(t, limiter.AllowRequest("s"))
	assert.False(t, limiter.AllowRequest("s"))
}

func TestOpenMemoryStores(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Fast = config.FastMemory
	cfg.Durable = config.DurableMemory

	b, err := openStores(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer b.close()

	assert.NoError(t, b.fast.Ping(context.Background()))
	assert.NoError(t, b.durable.Ping(context.Background()))
}

func TestOpenSQLiteStore(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Fast = config.FastMemory
	cfg.Durable = config.DurableSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "nested", "pickup.db")

	b, err := openStores(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer b.close()

	assert.NoError(t, b.durable.Ping(context.Background()))
}

func TestNewLock(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fast := memory.NewFastStore(nil)
	defer fast.Close()

	cfg := config.Default()
	cfg.Server.InstanceID = "pickup-a"

	cfg.Migration.LockBackend = config.LockNone
	lock, closeFn, err := newLock(cfg, fast, logger)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &cluster.NoopLock{}, lock)
	assert.Equal(t, "pickup-a", lock.Owner())

	cfg.Migration.LockBackend = config.LockStore
	lock, closeFn, err = newLock(cfg, fast, logger)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &cluster.StoreLock{}, lock)

	ok, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cfg.Migration.LockTTL, lock.TTL())
}

func TestMigrateCommand(t *testing.T) {
	out, err := run(t, "--config", memoryConfig(t), "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 0 queues: migrated 0, failed 0, skipped 0")
}

func TestResetSendingCommand(t *testing.T) {
	path := memoryConfig(t)

	_, err := run(t, "--config", path, "reset-sending")
	assert.Error(t, err)

	out, err := run(t, "--config", path, "reset-sending", "conn-1")
	require.NoError(t, err)
	assert.Contains(t, out, "reset 0 messages to pending")
}

func TestInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "verbose"
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, cfg.Save(path))

	_, err := run(t, "--config", path, "migrate")
	assert.Error(t, err)
}
