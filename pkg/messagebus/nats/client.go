package nats

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/observability"
)

// ConnectionState is the broker connection state as reported by the client's
// lifecycle callbacks.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	URL      string
	Name     string
	Username string
	Password string
	Token    string
	TLS      *tls.Config

	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	ReconnectWait    time.Duration
	ReconnectTimeout time.Duration
}

// Client wraps a NATS connection. Subscriptions survive reconnects: NATS
// restores them on automatic reconnects and the client re-creates them after
// a redial of a closed connection.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	state  atomic.Int32
	closed atomic.Bool

	mu   sync.Mutex
	nc   *nats.Conn
	subs map[*Subscription]struct{}
}

// Subscription is a transport subscription owned by a Client.
type Subscription struct {
	subject string
	handler nats.MsgHandler
	sub     *nats.Subscription
}

// Subject returns the subscribed subject.
func (s *Subscription) Subject() string {
	return s.subject
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Connect dials the broker.
func (c *Client) Connect(ctx context.Context) error {
	c.closed.Store(false)
	nc, err := c.dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()

	c.setState(ctx, StateConnected)
	c.logger.Info("connected to broker", "url", nc.ConnectedUrl())
	return nil
}

func (c *Client) dial() (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if c.closed.Load() {
				return
			}
			c.setState(context.Background(), StateReconnecting)
			if err != nil {
				c.logger.Warn("broker connection lost", "error", err)
			} else {
				c.logger.Warn("broker connection lost")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.setState(context.Background(), StateConnected)
			c.logger.Info("reconnected to broker", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.setState(context.Background(), StateClosed)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			c.logger.Error("broker reported an error", attrs...)
		}),
	}

	switch {
	case c.cfg.Token != "":
		opts = append(opts, nats.Token(c.cfg.Token))
	case c.cfg.Username != "":
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.TLS != nil {
		opts = append(opts, nats.Secure(c.cfg.TLS))
	}

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", messagebus.ErrBusUnavailable, c.cfg.URL, err)
	}
	return nc, nil
}

// State returns the last state reported by the connection callbacks.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Client) setState(ctx context.Context, s ConnectionState) {
	if ConnectionState(c.state.Swap(int32(s))) != s {
		c.metrics.RecordConnectionEvent(ctx, busName, s.String())
	}
}

func (c *Client) conn() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// ensureConnected returns the live connection. When the connection is down it
// makes one inline attempt bounded by ReconnectTimeout: it waits for an
// automatic reconnect in progress, or redials a closed connection.
func (c *Client) ensureConnected(ctx context.Context) (*nats.Conn, error) {
	if c.closed.Load() {
		return nil, messagebus.ErrNotStarted
	}
	nc := c.conn()
	if nc != nil && nc.IsConnected() {
		return nc, nil
	}

	c.logger.Warn("broker not connected, attempting inline reconnect", "state", c.State().String())
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReconnectTimeout)
	defer cancel()

	if nc == nil || nc.IsClosed() {
		if err := c.redial(); err != nil {
			return nil, err
		}
		return c.conn(), nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if nc.IsConnected() {
			return nc, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: broker not reachable: %v", messagebus.ErrBusUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

// redial replaces a closed connection and re-creates tracked subscriptions.
func (c *Client) redial() error {
	nc, err := c.dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nc = nc
	for s := range c.subs {
		sub, err := nc.Subscribe(s.subject, s.handler)
		if err != nil {
			c.logger.Error("failed to restore subscription", "subject", s.subject, "error", err)
			continue
		}
		s.sub = sub
	}
	c.setState(context.Background(), StateConnected)
	c.logger.Info("redialed broker", "url", nc.ConnectedUrl(), "subscriptions", len(c.subs))
	return nil
}

// Publish writes msg and waits for the broker to acknowledge the write.
func (c *Client) Publish(ctx context.Context, msg *nats.Msg) error {
	nc, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	if err := nc.PublishMsg(msg); err != nil {
		return c.transportError("publish", err)
	}
	return c.flush(ctx, nc)
}

// Subscribe subscribes handler to subject. It returns once the broker registered the subscription.
func (c *Client) Subscribe(ctx context.Context, subject string, handler nats.MsgHandler) (*Subscription, error) {
	nc, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := nc.Subscribe(subject, handler)
	if err != nil {
		return nil, c.transportError("subscribe", err)
	}
	s := &Subscription{subject: subject, handler: handler, sub: sub}

	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	if err := c.flush(ctx, nc); err != nil {
		_ = c.Unsubscribe(ctx, s)
		return nil, err
	}
	return s, nil
}

// Unsubscribe removes s. It does not require a live connection: the
// subscription is dropped locally and is not restored on reconnect.
func (c *Client) Unsubscribe(ctx context.Context, s *Subscription) error {
	c.mu.Lock()
	delete(c.subs, s)
	sub := s.sub
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return c.transportError("unsubscribe", err)
	}
	return nil
}

func (c *Client) flush(ctx context.Context, nc *nats.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	if err := nc.FlushWithContext(ctx); err != nil {
		return c.transportError("flush", err)
	}
	return nil
}

func (c *Client) transportError(op string, err error) error {
	return fmt.Errorf("%w: %s failed: %v", messagebus.ErrBusUnavailable, op, err)
}

// Close drains pending writes and closes the connection. Safe to call multiple times.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.subs = make(map[*Subscription]struct{})
	c.mu.Unlock()

	if nc != nil {
		if nc.IsConnected() {
			_ = nc.FlushTimeout(c.cfg.PublishTimeout)
		}
		nc.Close()
	}
	c.setState(ctx, StateClosed)
	return nil
}
