// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/pickup/cluster"
	"github.com/absmach/pickup/config"
	"github.com/absmach/pickup/migration"
	"github.com/absmach/pickup/push"
	"github.com/absmach/pickup/queue"
	"github.com/absmach/pickup/server/health"
	"github.com/absmach/pickup/server/otel"
	"github.com/absmach/pickup/server/websocket"
	"github.com/absmach/pickup/session"
	"github.com/urfave/cli/v2"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Build information, set via ldflags.
var (
	Version = "0.1.0"
	Commit  = "unknown"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		slog.Error("pickup failed", "error", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:    "pickup",
		Usage:   "Message pickup broker for offline DIDComm recipients",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"PICKUP_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the WebSocket server, live session router and migration scheduler",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Run one migration pass from the fast store to the durable store",
				Action: migrateOnce,
			},
			{
				Name:      "reset-sending",
				Usage:     "Return durable messages stuck in the sending state to pending",
				ArgsUsage: "<connection-id>",
				Action:    resetSending,
			},
		},
		DefaultCommand: "serve",
	}
}

// setup loads the configuration and installs the default logger.
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = newInstanceID()
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	slog.Info("Starting pickup", "version", Version, "instance_id", cfg.Server.InstanceID)
	slog.Info("Configuration loaded",
		"ws_addr", cfg.Server.WSAddr,
		"ws_path", cfg.Server.WSPath,
		"health_addr", cfg.Server.HealthAddr,
		"fast_store", cfg.Storage.Fast,
		"durable_store", cfg.Storage.Durable,
		"migration_enabled", cfg.Migration.Enabled,
		"migration_threshold", cfg.Migration.Threshold,
		"lock_backend", cfg.Migration.LockBackend)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, otel.Deployment{
			InstanceID:       cfg.Server.InstanceID,
			FastStore:        cfg.Storage.Fast,
			DurableStore:     cfg.Storage.Durable,
			LockBackend:      cfg.Migration.LockBackend,
			MigrationEnabled: cfg.Migration.Enabled,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			metrics = m
		}
		if cfg.Telemetry.TracesEnabled {
			tracer = oteltrace.Tracer(otel.InstrumentationName)
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Telemetry.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	stores, err := openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	limiter := newRateLimiter(cfg.RateLimit)
	defer limiter.Stop()

	notifier := push.New(push.Config{
		URL:              cfg.Push.URL,
		Timeout:          cfg.Push.Timeout,
		FailureThreshold: cfg.Push.FailureThreshold,
		ResetTimeout:     cfg.Push.ResetTimeout,
	}, logger)
	if cfg.Push.URL == "" {
		slog.Info("Push notifications disabled")
	}

	qm, err := queue.NewManager(queue.Config{
		Fast:     stores.fast,
		Durable:  stores.durable,
		Notifier: notifier,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ws := websocket.New(websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageSize:  cfg.Server.MaxMessageSize,
		PingInterval:    cfg.Server.PingInterval,
		WriteTimeout:    cfg.Server.WriteTimeout,
		RequestTimeout:  cfg.Server.RequestTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, qm, limiter, logger)

	router, err := session.NewRouter(session.Config{
		Store:      stores.fast,
		Sender:     ws,
		InstanceID: cfg.Server.InstanceID,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer router.Close()

	ws.SetSessions(router)
	qm.SetSessions(router)

	var scheduler *migration.Scheduler
	if cfg.Migration.Enabled {
		lock, closeLock, err := newLock(cfg, stores.fast, logger)
		if err != nil {
			return err
		}
		defer closeLock()

		scheduler, err = newScheduler(cfg, stores, lock, metrics, logger)
		if err != nil {
			return err
		}
	} else {
		slog.Info("Migration scheduler disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ws.Listen(gctx)
	})

	if scheduler != nil {
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	if cfg.Server.HealthEnabled {
		deps := health.Dependencies{
			Fast:     stores.fast,
			Durable:  stores.durable,
			Sessions: router,
		}
		if scheduler != nil {
			deps.Scheduler = scheduler
		}
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			InstanceID:      cfg.Server.InstanceID,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, deps, logger)
		g.Go(func() error {
			return hs.Listen(gctx)
		})
	}

	slog.Info("pickup started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server error", "error", err)
		return err
	}

	slog.Info("pickup stopped")
	return nil
}

func migrateOnce(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	lock, closeLock, err := newLock(cfg, stores.fast, logger)
	if err != nil {
		return err
	}
	defer closeLock()

	scheduler, err := newScheduler(cfg, stores, lock, nil, logger)
	if err != nil {
		return err
	}

	res, err := scheduler.RunOnce(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "scanned %d queues: migrated %d, failed %d, skipped %d\n",
		res.Keys, res.Migrated, res.Failed, res.Skipped)
	return nil
}

func resetSending(c *cli.Context) error {
	connectionID := c.Args().First()
	if connectionID == "" {
		return errors.New("connection id is required")
	}

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	stores, err := openStores(c.Context, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	qm, err := queue.NewManager(queue.Config{
		Fast:    stores.fast,
		Durable: stores.durable,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	n, err := qm.ResetSending(c.Context, connectionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "reset %d messages to pending\n", n)
	return nil
}

func newScheduler(cfg *config.Config, stores *backends, lock cluster.Lock, metrics *otel.Metrics, logger *slog.Logger) (*migration.Scheduler, error) {
	migrator, err := migration.NewMigrator(migration.MigratorConfig{
		Fast:      stores.fast,
		Durable:   stores.durable,
		Threshold: cfg.Migration.Threshold,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return migration.NewScheduler(migration.SchedulerConfig{
		Lock:     lock,
		Migrator: migrator,
		Interval: cfg.MigrationInterval(),
		Metrics:  metrics,
		Logger:   logger,
	})
}
