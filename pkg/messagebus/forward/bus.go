// Package forward combines synchronous in-process delivery with best-effort
// forwarding of every published event to a remote publisher, typically the
// bridged bus. Subscriptions are served by the local bus only.
package forward

import (
	"context"
	"log/slog"

	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/observability"
)

const busName = "forward"

// Remote is a bus that receives forwarded events.
type Remote interface {
	messagebus.Publisher
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Bus delivers locally first and then forwards to the remote bus. Forwarding
// failures are logged and counted; Publish returns only local errors.
type Bus struct {
	local   messagebus.MessageBus
	remote  Remote
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// New combines local and remote.
func New(local messagebus.MessageBus, remote Remote, opts ...Option) *Bus {
	b := &Bus{
		local:  local,
		remote: remote,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start starts the local bus, then the remote one. A remote that fails to
// start is reported; the local bus is stopped again.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.local.Start(ctx); err != nil {
		return err
	}
	if err := b.remote.Start(ctx); err != nil {
		_ = b.local.Stop(ctx)
		return err
	}
	return nil
}

// Stop stops the remote bus, then the local one.
func (b *Bus) Stop(ctx context.Context) error {
	remoteErr := b.remote.Stop(ctx)
	if err := b.local.Stop(ctx); err != nil {
		return err
	}
	return remoteErr
}

// Publish dispatches msg locally and forwards it.
func (b *Bus) Publish(ctx context.Context, msg event.Message) error {
	if err := b.local.Publish(ctx, msg); err != nil {
		return err
	}
	if err := b.remote.Publish(ctx, msg); err != nil {
		b.logger.Warn("failed to forward event",
			"kind", msg.Kind(),
			"element", msg.Reference().String(),
			"error", err)
		b.metrics.RecordDrop(ctx, busName, string(msg.Kind()), "forward_failed")
	}
	return nil
}

// Subscribe registers info on the local bus.
func (b *Bus) Subscribe(ctx context.Context, info messagebus.SubscriptionInfo) (messagebus.SubscriptionID, error) {
	return b.local.Subscribe(ctx, info)
}

// Unsubscribe removes a local subscription.
func (b *Bus) Unsubscribe(ctx context.Context, id messagebus.SubscriptionID) error {
	return b.local.Unsubscribe(ctx, id)
}

var _ messagebus.MessageBus = (*Bus)(nil)
