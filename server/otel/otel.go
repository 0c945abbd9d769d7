// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/pickup/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the meter and tracer used across the broker.
const InstrumentationName = "pickup"

// defaultExportInterval is used when the configured interval is unset.
const defaultExportInterval = 10 * time.Second

// Resource attribute keys describing how an instance is wired.
const (
	FastStoreKey    = attribute.Key("pickup.store.fast")
	DurableStoreKey = attribute.Key("pickup.store.durable")
	LockBackendKey  = attribute.Key("pickup.migration.lock_backend")
	MigrationKey    = attribute.Key("pickup.migration.enabled")
)

// Deployment describes the running instance on every span and metric.
type Deployment struct {
	InstanceID       string
	FastStore        string
	DurableStore     string
	LockBackend      string
	MigrationEnabled bool
}

// InitProvider initializes OpenTelemetry SDK with OTLP exporters.
// Returns a shutdown function that should be called on application exit.
func InitProvider(ctx context.Context, cfg config.TelemetryConfig, d Deployment) (func(context.Context) error, error) {
	res, err := newResource(ctx, cfg, d)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdownFuncs []func(context.Context) error

	if cfg.TracesEnabled {
		traceShutdown, err := initTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, traceShutdown)
	} else {
		// Queue spans become no-ops.
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		meterShutdown, err := initMeterProvider(ctx, cfg, res)
		if err != nil {
			// Flush the tracer started above.
			for _, fn := range shutdownFuncs {
				_ = fn(ctx)
			}
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, meterShutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
		return nil
	}, nil
}

// newResource builds the service resource with the deployment attributes.
// Empty deployment fields are left out.
func newResource(ctx context.Context, cfg config.TelemetryConfig, d Deployment) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		MigrationKey.Bool(d.MigrationEnabled),
	}
	if d.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(d.InstanceID))
	}
	if d.FastStore != "" {
		attrs = append(attrs, FastStoreKey.String(d.FastStore))
	}
	if d.DurableStore != "" {
		attrs = append(attrs, DurableStoreKey.String(d.DurableStore))
	}
	if d.MigrationEnabled && d.LockBackend != "" {
		attrs = append(attrs, LockBackendKey.String(d.LockBackend))
	}

	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// initTracerProvider registers a batching TracerProvider exporting over OTLP.
func initTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(), // TODO: TLS credentials from config
		otlptracegrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Follow the caller's sampling decision when a request carries one.
	sampler := trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(5*time.Second),
		),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// initMeterProvider registers a MeterProvider that pushes every
// ExportInterval.
func initMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (func(context.Context) error, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(), // TODO: TLS credentials from config
		otlpmetricgrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(exportInterval(cfg)),
		)),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

func exportInterval(cfg config.TelemetryConfig) time.Duration {
	if cfg.ExportInterval <= 0 {
		return defaultExportInterval
	}
	return cfg.ExportInterval
}
