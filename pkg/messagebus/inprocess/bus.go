// Package inprocess implements messagebus.MessageBus with synchronous dispatch
// on the publisher's goroutine. Publish blocks until every matching handler returned.
package inprocess

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/observability"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const busName = "inprocess"

// Bus is the in-process message bus.
type Bus struct {
	registry *messagebus.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.Metrics
	catalog  *event.Catalog

	running atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bus) {
		b.tracer = tracer
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// WithCatalog replaces event.DefaultCatalog for kind resolution.
func WithCatalog(catalog *event.Catalog) Option {
	return func(b *Bus) {
		b.catalog = catalog
	}
}

// New creates a stopped in-process bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer(busName),
		catalog: event.DefaultCatalog,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.registry = messagebus.NewRegistry(b.catalog, b.logger)
	return b
}

// Start marks the bus as running.
func (b *Bus) Start(ctx context.Context) error {
	if b.running.CompareAndSwap(false, true) {
		b.logger.Debug("in-process message bus started")
	}
	return nil
}

// Stop marks the bus as stopped. Subscriptions are kept so a restarted bus keeps delivering.
func (b *Bus) Stop(ctx context.Context) error {
	if b.running.CompareAndSwap(true, false) {
		b.logger.Debug("in-process message bus stopped")
	}
	return nil
}

// Publish dispatches msg to every matching subscription on the calling goroutine.
func (b *Bus) Publish(ctx context.Context, msg event.Message) error {
	if !b.running.Load() {
		return messagebus.ErrNotStarted
	}

	ctx, span := observability.StartSpan(ctx, b.tracer, "inprocess.Publish",
		observability.WithAttributes(observability.EventAttrs(string(msg.Kind()), msg.Reference().String())...))
	start := time.Now()

	result := b.registry.Dispatch(msg)

	b.metrics.RecordPublish(ctx, busName, string(msg.Kind()), time.Since(start), nil)
	b.metrics.RecordDelivery(ctx, busName, string(msg.Kind()), result.Delivered, result.Panicked)
	observability.EndSpan(span, nil)
	return nil
}

// Subscribe registers info.
func (b *Bus) Subscribe(ctx context.Context, info messagebus.SubscriptionInfo) (messagebus.SubscriptionID, error) {
	sub, err := b.registry.Register(info)
	if err != nil {
		return messagebus.SubscriptionID{}, err
	}

	b.metrics.RecordSubscriptionChange(ctx, busName, 1)
	b.logger.Debug("subscription registered",
		"subscription", sub.ID.String(),
		"kinds", sub.Kinds)
	return sub.ID, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(ctx context.Context, id messagebus.SubscriptionID) error {
	if _, ok := b.registry.Unregister(id); ok {
		b.metrics.RecordSubscriptionChange(ctx, busName, -1)
		b.logger.Debug("subscription removed", "subscription", id.String())
	}
	return nil
}

// Subscriptions returns the number of active subscriptions.
func (b *Bus) Subscriptions() int {
	return b.registry.Len()
}

var _ messagebus.MessageBus = (*Bus)(nil)
