// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the pickup broker.
// Every method is safe on a nil receiver, so callers pass nil when metrics
// are disabled.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesEnqueued metric.Int64Counter
	messagesDequeued metric.Int64Counter
	messagesRemoved  metric.Int64Counter
	bytesEnqueued    metric.Int64Counter
	migrated         metric.Int64Counter
	migrationErrors  metric.Int64Counter
	pushSent         metric.Int64Counter
	liveDelivered    metric.Int64Counter
	liveDropped      metric.Int64Counter

	// UpDownCounters (Gauges)
	leader         metric.Int64UpDownCounter
	sessionsActive metric.Int64UpDownCounter

	// Histograms
	migrationDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance from the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(InstrumentationName))
}

// NewMetricsWithMeter creates a new Metrics instance on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.messagesEnqueued, err = m.meter.Int64Counter(
		"pickup.messages.enqueued.total",
		metric.WithDescription("Total messages added to a queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesEnqueued counter: %w", err)
	}

	m.messagesDequeued, err = m.meter.Int64Counter(
		"pickup.messages.dequeued.total",
		metric.WithDescription("Total messages returned by takeFromQueue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDequeued counter: %w", err)
	}

	m.messagesRemoved, err = m.meter.Int64Counter(
		"pickup.messages.removed.total",
		metric.WithDescription("Total messages removed from a queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRemoved counter: %w", err)
	}

	m.bytesEnqueued, err = m.meter.Int64Counter(
		"pickup.bytes.enqueued.total",
		metric.WithDescription("Total encrypted payload bytes enqueued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesEnqueued counter: %w", err)
	}

	m.migrated, err = m.meter.Int64Counter(
		"pickup.migration.migrated.total",
		metric.WithDescription("Total messages moved to the durable tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrated counter: %w", err)
	}

	m.migrationErrors, err = m.meter.Int64Counter(
		"pickup.migration.errors.total",
		metric.WithDescription("Total per-message migration failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrationErrors counter: %w", err)
	}

	m.pushSent, err = m.meter.Int64Counter(
		"pickup.push.sent.total",
		metric.WithDescription("Total push notifications attempted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pushSent counter: %w", err)
	}

	m.liveDelivered, err = m.meter.Int64Counter(
		"pickup.live.delivered.total",
		metric.WithDescription("Total events delivered to live sockets"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create liveDelivered counter: %w", err)
	}

	m.liveDropped, err = m.meter.Int64Counter(
		"pickup.live.dropped.total",
		metric.WithDescription("Total live events dropped without a local session"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create liveDropped counter: %w", err)
	}

	m.leader, err = m.meter.Int64UpDownCounter(
		"pickup.leader",
		metric.WithDescription("1 while this instance holds the migration lock"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create leader gauge: %w", err)
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"pickup.sessions.active",
		metric.WithDescription("Number of live sessions routed by this instance"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.migrationDuration, err = m.meter.Float64Histogram(
		"pickup.migration.duration",
		metric.WithDescription("Migration pass duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrationDuration histogram: %w", err)
	}

	return m, nil
}

// RecordEnqueued records a message added to a queue.
func (m *Metrics) RecordEnqueued(sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesEnqueued.Add(ctx, 1)
	m.bytesEnqueued.Add(ctx, sizeBytes)
}

// RecordDequeued records messages returned to a client.
func (m *Metrics) RecordDequeued(n int, deleted bool) {
	if m == nil || n == 0 {
		return
	}
	m.messagesDequeued.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.Bool("deleted", deleted),
	))
}

// RecordRemoved records messages removed by request.
func (m *Metrics) RecordRemoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesRemoved.Add(context.Background(), int64(n))
}

// RecordMigration records one migration pass.
func (m *Metrics) RecordMigration(migrated, failed int, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if migrated > 0 {
		m.migrated.Add(ctx, int64(migrated))
	}
	if failed > 0 {
		m.migrationErrors.Add(ctx, int64(failed))
	}
	m.migrationDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

// RecordPush records a push notification attempt.
func (m *Metrics) RecordPush(success bool) {
	if m == nil {
		return
	}
	m.pushSent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordLiveDelivered records an event forwarded to a socket.
func (m *Metrics) RecordLiveDelivered() {
	if m == nil {
		return
	}
	m.liveDelivered.Add(context.Background(), 1)
}

// RecordLiveDropped records an event dropped by the router.
func (m *Metrics) RecordLiveDropped(reason string) {
	if m == nil {
		return
	}
	m.liveDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordSessionAdded records a new routed session.
func (m *Metrics) RecordSessionAdded() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), 1)
}

// RecordSessionRemoved records a routed session going away.
func (m *Metrics) RecordSessionRemoved() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), -1)
}

// RecordLeadership records a leadership transition.
func (m *Metrics) RecordLeadership(leader bool) {
	if m == nil {
		return
	}
	delta := int64(-1)
	if leader {
		delta = 1
	}
	m.leader.Add(context.Background(), delta)
}
