package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the message bus and request handling.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Bus metrics
	EventsPublished metric.Int64Counter
	PublishErrors   metric.Int64Counter
	PublishLatency  metric.Float64Histogram
	EventsDelivered metric.Int64Counter
	EventsDropped   metric.Int64Counter
	HandlerPanics   metric.Int64Counter
	Subscriptions   metric.Int64UpDownCounter

	// Transport metrics
	ConnectionEvents metric.Int64Counter

	// Request metrics
	RequestDuration metric.Float64Histogram
	RequestTotal    metric.Int64Counter
	AssetSyncErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsPublished, err = meter.Int64Counter(
		"twinbus.events.published",
		metric.WithDescription("Total events published to the message bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.PublishErrors, err = meter.Int64Counter(
		"twinbus.events.publish_errors",
		metric.WithDescription("Total failed publish calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.publish_errors: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"twinbus.events.publish_latency",
		metric.WithDescription("Publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.publish_latency: %w", err)
	}

	m.EventsDelivered, err = meter.Int64Counter(
		"twinbus.events.delivered",
		metric.WithDescription("Total handler invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.delivered: %w", err)
	}

	m.EventsDropped, err = meter.Int64Counter(
		"twinbus.events.dropped",
		metric.WithDescription("Inbound messages dropped before reaching a handler"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.dropped: %w", err)
	}

	m.HandlerPanics, err = meter.Int64Counter(
		"twinbus.handler.panics",
		metric.WithDescription("Subscription handler panics recovered by the bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating handler.panics: %w", err)
	}

	m.Subscriptions, err = meter.Int64UpDownCounter(
		"twinbus.subscriptions.active",
		metric.WithDescription("Active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating subscriptions.active: %w", err)
	}

	m.ConnectionEvents, err = meter.Int64Counter(
		"twinbus.transport.connection_events",
		metric.WithDescription("Broker connection lifecycle events"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transport.connection_events: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"twinbus.request.duration",
		metric.WithDescription("Request execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request.duration: %w", err)
	}

	m.RequestTotal, err = meter.Int64Counter(
		"twinbus.request.total",
		metric.WithDescription("Total requests executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request.total: %w", err)
	}

	m.AssetSyncErrors, err = meter.Int64Counter(
		"twinbus.asset.sync_errors",
		metric.WithDescription("Failed asset synchronizations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating asset.sync_errors: %w", err)
	}

	return m, nil
}

// RecordPublish records a publish call.
func (m *Metrics) RecordPublish(ctx context.Context, bus, kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("bus", bus),
		attribute.String("kind", kind),
	)

	m.PublishLatency.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.PublishErrors.Add(ctx, 1, attrs)
		return
	}
	m.EventsPublished.Add(ctx, 1, attrs)
}

// RecordDelivery records handler invocations for one message.
func (m *Metrics) RecordDelivery(ctx context.Context, bus, kind string, delivered, panicked int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("bus", bus),
		attribute.String("kind", kind),
	)

	if delivered > 0 {
		m.EventsDelivered.Add(ctx, int64(delivered), attrs)
	}
	if panicked > 0 {
		m.HandlerPanics.Add(ctx, int64(panicked), attrs)
	}
}

// RecordDrop records an inbound message that was discarded.
func (m *Metrics) RecordDrop(ctx context.Context, bus, kind, reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bus", bus),
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

// RecordSubscriptionChange adjusts the active subscription gauge.
func (m *Metrics) RecordSubscriptionChange(ctx context.Context, bus string, delta int64) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(ctx, delta, metric.WithAttributes(attribute.String("bus", bus)))
}

// RecordConnectionEvent records a transport lifecycle event such as "disconnected" or "reconnected".
func (m *Metrics) RecordConnectionEvent(ctx context.Context, bus, evt string) {
	if m == nil {
		return
	}
	m.ConnectionEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bus", bus),
		attribute.String("event", evt),
	))
}

// RecordRequest records request execution metrics.
func (m *Metrics) RecordRequest(ctx context.Context, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	m.RequestDuration.Record(ctx, duration.Seconds(), attrs)
	m.RequestTotal.Add(ctx, 1, attrs)
}

// RecordAssetSyncError records a failed asset synchronization.
func (m *Metrics) RecordAssetSyncError(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.AssetSyncErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
