package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/idgen"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/observability"
	"github.com/plaenen/twinbus/pkg/security/credentials"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const busName = "nats"

// Message headers set on every published event.
const (
	HeaderEventKind = "Event-Kind"
	HeaderEventID   = "Event-Id"
)

// Bus is the bridged message bus. Each subscription owns one transport
// subscription per resolved concrete kind, so unsubscribing one subscriber
// never affects another subscriber of the same kind.
type Bus struct {
	cfg         Config
	catalog     *event.Catalog
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *observability.Metrics
	credentials credentials.Provider

	registry *messagebus.Registry

	mu        sync.Mutex
	running   bool
	broker    *Broker
	client    *Client
	transport map[messagebus.SubscriptionID][]*Subscription

	// afterTransportSubscribe runs between creating the transport
	// subscriptions and registering them. Tests use it to interleave Stop.
	afterTransportSubscribe func()
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

// WithCredentials makes the bus fetch its external broker credentials from a
// provider at start instead of using Config.Username and Config.Password.
func WithCredentials(provider credentials.Provider) Option {
	return func(b *Bus) {
		b.credentials = provider
	}
}

// New creates a stopped bus. Configuration errors, including unreadable
// keystores, are reported here.
func New(cfg Config, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:       cfg,
		catalog:   event.DefaultCatalog,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer(busName),
		transport: make(map[messagebus.SubscriptionID][]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "messagebus", "bus", busName)

	for _, ks := range []KeystoreConfig{cfg.ClientKeystore, cfg.BrokerKeystore} {
		if ks.IsSet() {
			if _, err := LoadKeystore(ks); err != nil {
				return nil, err
			}
		}
	}

	b.registry = messagebus.NewRegistry(b.catalog, b.logger)
	return b, nil
}

// Start starts the embedded broker when configured and connects the client.
func (b *Bus) Start(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "nats.Bus.Start")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	clientCfg := ClientConfig{
		URL:              b.cfg.Endpoint(),
		Name:             b.cfg.ClientID,
		Username:         b.cfg.Username,
		Password:         b.cfg.Password,
		ConnectTimeout:   b.cfg.ConnectTimeout,
		PublishTimeout:   b.cfg.PublishTimeout,
		ReconnectWait:    b.cfg.ReconnectWait,
		ReconnectTimeout: b.cfg.ReconnectTimeout,
	}
	if b.cfg.ClientKeystore.IsSet() {
		tlsConfig, err := clientTLSConfig(b.cfg.ClientKeystore)
		if err != nil {
			observability.SetSpanError(ctx, err)
			return err
		}
		clientCfg.TLS = tlsConfig
	}

	var broker *Broker
	if b.cfg.UseEmbeddedBroker {
		var err error
		broker, err = NewBroker(b.cfg, b.logger)
		if err != nil {
			observability.SetSpanError(ctx, err)
			return err
		}
		if err := broker.Start(ctx); err != nil {
			observability.SetSpanError(ctx, err)
			return err
		}
		clientCfg.URL = broker.ClientURL()
		clientCfg.Username, clientCfg.Password = broker.Authenticator().PublisherCredentials()
	} else if b.credentials != nil {
		creds, err := b.credentials.GetCredentials(ctx)
		if err != nil {
			err = fmt.Errorf("%w: failed to get broker credentials: %v", messagebus.ErrConfiguration, err)
			observability.SetSpanError(ctx, err)
			return err
		}
		clientCfg.Username, clientCfg.Password, clientCfg.Token = creds.User, creds.Password, creds.Token
	}

	client := NewClient(clientCfg, b.logger, b.metrics)
	if err := client.Connect(ctx); err != nil {
		if broker != nil {
			broker.Shutdown()
		}
		observability.SetSpanError(ctx, err)
		return err
	}

	b.broker = broker
	b.client = client
	b.running = true
	b.logger.Info("message bus started", "url", clientCfg.URL, "embedded_broker", broker != nil)
	return nil
}

// Stop closes the client and the embedded broker. Subscriptions are dropped.
func (b *Bus) Stop(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "nats.Bus.Stop")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	b.running = false

	for id := range b.transport {
		b.registry.Unregister(id)
		b.metrics.RecordSubscriptionChange(ctx, busName, -1)
	}
	b.transport = make(map[messagebus.SubscriptionID][]*Subscription)

	if err := b.client.Close(ctx); err != nil {
		b.logger.Warn("failed to close broker connection", "error", err)
	}
	if b.broker != nil {
		b.broker.Shutdown()
		b.broker = nil
	}
	b.logger.Info("message bus stopped")
	return nil
}

func (b *Bus) currentClient() (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil, messagebus.ErrNotStarted
	}
	return b.client, nil
}

// Publish serializes msg and publishes it on the subject of its kind.
func (b *Bus) Publish(ctx context.Context, msg event.Message) error {
	client, err := b.currentClient()
	if err != nil {
		return err
	}

	kind := string(msg.Kind())
	id := idgen.NewEventID()
	subject := b.cfg.Subject(kind)
	ctx, span := observability.StartSpan(ctx, b.tracer, "nats.Bus.Publish",
		observability.WithAttributes(observability.EventAttrs(kind, msg.Reference().String())...),
		observability.WithAttributes(observability.AttrEventID.String(id), observability.AttrSubject.String(subject)))
	start := time.Now()

	data, err := event.ToWire(msg)
	if err != nil {
		observability.EndSpan(span, err)
		return err
	}

	natsMsg := nats.NewMsg(subject)
	natsMsg.Data = data
	natsMsg.Header.Set(HeaderEventKind, kind)
	natsMsg.Header.Set(HeaderEventID, id)

	err = client.Publish(ctx, natsMsg)
	b.metrics.RecordPublish(ctx, busName, kind, time.Since(start), err)
	observability.EndSpan(span, err)
	if err != nil {
		b.logger.Error("failed to publish event", "kind", kind, "event_id", id, "error", err)
		return err
	}
	return nil
}

// Subscribe creates one transport subscription per resolved concrete kind and
// registers info once all of them are active.
func (b *Bus) Subscribe(ctx context.Context, info messagebus.SubscriptionInfo) (messagebus.SubscriptionID, error) {
	client, err := b.currentClient()
	if err != nil {
		return messagebus.SubscriptionID{}, err
	}

	sub, err := b.registry.Prepare(info)
	if err != nil {
		return messagebus.SubscriptionID{}, err
	}

	transport := make([]*Subscription, 0, len(sub.Kinds))
	for _, kind := range sub.Kinds {
		ts, err := client.Subscribe(ctx, b.cfg.Subject(string(kind)), b.receiver(sub, kind))
		if err != nil {
			for _, created := range transport {
				_ = client.Unsubscribe(ctx, created)
			}
			return messagebus.SubscriptionID{}, err
		}
		transport = append(transport, ts)
	}

	if b.afterTransportSubscribe != nil {
		b.afterTransportSubscribe()
	}

	b.mu.Lock()
	if !b.running || b.client != client {
		// Stopped, or stopped and restarted, while the transport subscriptions
		// were being created. They belong to a closed connection.
		b.mu.Unlock()
		for _, created := range transport {
			_ = client.Unsubscribe(ctx, created)
		}
		return messagebus.SubscriptionID{}, messagebus.ErrNotStarted
	}
	b.registry.Commit(sub)
	b.transport[sub.ID] = transport
	b.mu.Unlock()

	b.metrics.RecordSubscriptionChange(ctx, busName, 1)
	b.logger.Debug("subscription registered", "subscription", sub.ID.String(), "kinds", sub.Kinds)
	return sub.ID, nil
}

// Unsubscribe removes a subscription and its transport subscriptions. Unknown ids are ignored.
func (b *Bus) Unsubscribe(ctx context.Context, id messagebus.SubscriptionID) error {
	b.mu.Lock()
	_, ok := b.registry.Unregister(id)
	transport := b.transport[id]
	delete(b.transport, id)
	client := b.client
	b.mu.Unlock()

	if !ok {
		return nil
	}
	b.metrics.RecordSubscriptionChange(ctx, busName, -1)

	var firstErr error
	for _, ts := range transport {
		if err := client.Unsubscribe(ctx, ts); err != nil {
			b.logger.Warn("failed to remove transport subscription", "subject", ts.Subject(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	b.logger.Debug("subscription removed", "subscription", id.String())
	return firstErr
}

// receiver decodes messages of one kind for one subscription. Messages that
// fail to decode are logged and dropped.
func (b *Bus) receiver(sub *messagebus.Subscription, kind event.Kind) nats.MsgHandler {
	return func(m *nats.Msg) {
		ctx := context.Background()
		msg, err := event.FromWire(m.Data, kind)
		if err != nil {
			b.logger.Warn("dropping malformed event",
				"subject", m.Subject,
				"event_id", m.Header.Get(HeaderEventID),
				"error", err)
			b.metrics.RecordDrop(ctx, busName, string(kind), "malformed")
			return
		}
		if !sub.Info.Accepts(msg.Reference()) {
			return
		}
		if sub.Deliver(b.logger, msg) {
			b.metrics.RecordDelivery(ctx, busName, string(kind), 1, 0)
		} else {
			b.metrics.RecordDelivery(ctx, busName, string(kind), 0, 1)
		}
	}
}

// State returns the broker connection state.
func (b *Bus) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return StateDisconnected
	}
	return b.client.State()
}

// Broker returns the embedded broker, or nil when the bus uses an external one.
func (b *Bus) Broker() *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broker
}

// Subscriptions returns the number of active subscriptions.
func (b *Bus) Subscriptions() int {
	return b.registry.Len()
}

// HealthCheck reports an error unless the broker connection is up.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if state := b.State(); state != StateConnected {
		return fmt.Errorf("%w: broker connection %s", messagebus.ErrBusUnavailable, state)
	}
	return nil
}

var _ messagebus.MessageBus = (*Bus)(nil)
