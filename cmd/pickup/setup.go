// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/absmach/pickup/cluster"
	"github.com/absmach/pickup/config"
	"github.com/absmach/pickup/ratelimit"
	"github.com/absmach/pickup/storage"
	"github.com/absmach/pickup/storage/badger"
	"github.com/absmach/pickup/storage/memory"
	"github.com/absmach/pickup/storage/mongo"
	"github.com/absmach/pickup/storage/redis"
	"github.com/absmach/pickup/storage/sqlite"
	"github.com/google/uuid"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// newInstanceID derives an identity for instances without a configured one.
func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pickup"
	}
	return host + "-" + uuid.NewString()[:8]
}

func newRateLimiter(cfg config.RateLimitConfig) *ratelimit.Manager {
	return ratelimit.NewManager(ratelimit.Config{
		Enabled: cfg.Enabled,
		Connection: ratelimit.ConnectionConfig{
			Enabled:         cfg.Enabled,
			Rate:            cfg.UpgradeRate,
			Burst:           cfg.UpgradeBurst,
			CleanupInterval: cfg.CleanupInterval,
		},
		Request: ratelimit.RequestConfig{
			Enabled: cfg.Enabled,
			Rate:    cfg.RequestRate,
			Burst:   cfg.RequestBurst,
		},
	})
}

// backends holds the two storage tiers of one process.
type backends struct {
	fast    storage.FastStore
	durable storage.DurableStore
}

func (b *backends) close() {
	var errs []error
	if b.durable != nil {
		errs = append(errs, b.durable.Close())
	}
	if b.fast != nil {
		errs = append(errs, b.fast.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("Failed to close storage", "error", err)
	}
}

func openStores(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Fast {
	case config.FastMemory:
		b.fast = memory.NewFastStore(nil)
		slog.Info("Using in-memory fast store")
	default:
		store, err := redis.New(ctx, redis.Config{
			Mode:         cfg.Redis.Type,
			URL:          cfg.Redis.URL,
			ClusterNodes: cfg.Redis.Nodes,
			Password:     cfg.Redis.Password,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.fast = store
		slog.Info("Connected to redis", "mode", cfg.Redis.Type)
	}

	durable, err := openDurable(ctx, cfg, logger)
	if err != nil {
		b.close()
		return nil, err
	}
	b.durable = durable

	return b, nil
}

func openDurable(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.DurableStore, error) {
	switch cfg.Durable {
	case config.DurableMemory:
		slog.Info("Using in-memory durable store")
		return memory.NewDurableStore(), nil

	case config.DurableSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		store, err := sqlite.New(ctx, sqlite.Config{Path: cfg.SQLite.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		slog.Info("Using sqlite durable store", "path", cfg.SQLite.Path)
		return store, nil

	case config.DurableBadger:
		if err := os.MkdirAll(cfg.Badger.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		store, err := badger.New(badger.Config{Dir: cfg.Badger.Dir}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger: %w", err)
		}
		slog.Info("Using badger durable store", "dir", cfg.Badger.Dir)
		return store, nil

	default:
		store, err := mongo.New(ctx, mongo.Config{
			URI:            cfg.Mongo.URI,
			Database:       cfg.Mongo.Database,
			Collection:     cfg.Mongo.Collection,
			ConnectTimeout: cfg.Mongo.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		slog.Info("Connected to mongodb", "database", cfg.Mongo.Database, "collection", cfg.Mongo.Collection)
		return store, nil
	}
}

// newLock builds the migration leader lock. The returned func releases any
// client or embedded server the lock depends on.
func newLock(cfg *config.Config, fast storage.LockStore, logger *slog.Logger) (cluster.Lock, func(), error) {
	mc := cfg.Migration
	owner := cfg.Server.InstanceID

	switch mc.LockBackend {
	case config.LockNone:
		slog.Info("Migration lock disabled, this instance always leads")
		return cluster.NewNoopLock(owner, mc.LockTTL), func() {}, nil

	case config.LockEtcd:
		endpoints := mc.Etcd.Endpoints
		var embedded *cluster.EmbeddedEtcd
		if mc.Etcd.Embedded {
			slog.Warn("Embedded etcd serves this instance only, run one pickup instance with it")
			e, err := cluster.StartEmbeddedEtcd(cluster.EtcdConfig{
				Name:       owner,
				DataDir:    mc.Etcd.DataDir,
				ClientAddr: mc.Etcd.ClientAddr,
				PeerAddr:   mc.Etcd.PeerAddr,
			}, logger)
			if err != nil {
				return nil, nil, err
			}
			embedded = e
			endpoints = e.Endpoints()
		}

		client, err := cluster.NewEtcdClient(endpoints, mc.Etcd.DialTimeout)
		if err != nil {
			if embedded != nil {
				embedded.Close()
			}
			return nil, nil, err
		}
		slog.Info("Using etcd migration lock", "endpoints", endpoints, "key", mc.LockKey)

		closeFn := func() {
			if err := client.Close(); err != nil {
				slog.Warn("Failed to close etcd client", "error", err)
			}
			if embedded != nil {
				embedded.Close()
			}
		}
		return cluster.NewEtcdLock(client, mc.LockKey, owner, mc.LockTTL, logger), closeFn, nil

	default:
		slog.Info("Using fast store migration lock", "key", mc.LockKey)
		return cluster.NewStoreLock(fast, mc.LockKey, owner, mc.LockTTL), func() {}, nil
	}
}
