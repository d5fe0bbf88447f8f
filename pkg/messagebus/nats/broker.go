package nats

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/plaenen/twinbus/pkg/messagebus"
)

// Broker is a NATS server hosted inside the process.
type Broker struct {
	cfg    Config
	auth   *Authenticator
	logger *slog.Logger

	server       *server.Server
	secure       bool
	shutdownOnce sync.Once
}

// NewBroker creates an embedded broker from cfg. The listener is plaintext on
// Port, or TLS on SSLPort when a broker keystore is configured; plaintext
// clients are still accepted on the TLS port. A websocket listener is added
// when cfg.UseWebsocket is set.
func NewBroker(cfg Config, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	auth := NewAuthenticator(cfg.Users, logger)
	opts := &server.Options{
		ServerName:                 cfg.ClientID + "-broker",
		Host:                       cfg.BrokerHost,
		Port:                       cfg.Port,
		NoSigs:                     true,
		NoLog:                      true,
		CustomClientAuthentication: auth,
	}

	secure := cfg.BrokerKeystore.IsSet()
	if secure {
		tlsConfig, err := serverTLSConfig(cfg.BrokerKeystore)
		if err != nil {
			return nil, err
		}
		opts.Port = cfg.SSLPort
		opts.TLS = true
		opts.TLSConfig = tlsConfig
		opts.TLSTimeout = cfg.ConnectTimeout.Seconds()
		opts.AllowNonTLS = true

		if cfg.UseWebsocket {
			opts.Websocket = server.WebsocketOpts{
				Host:      cfg.BrokerHost,
				Port:      cfg.SSLWebsocketPort,
				TLSConfig: tlsConfig,
			}
		}
	} else if cfg.UseWebsocket {
		opts.Websocket = server.WebsocketOpts{
			Host:  cfg.BrokerHost,
			Port:  cfg.WebsocketPort,
			NoTLS: true,
		}
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create embedded broker: %v", messagebus.ErrConfiguration, err)
	}
	auth.account = srv.GlobalAccount()

	return &Broker{
		cfg:    cfg,
		auth:   auth,
		logger: logger,
		server: srv,
		secure: secure,
	}, nil
}

// Start runs the broker and waits until it accepts connections.
func (b *Broker) Start(ctx context.Context) error {
	go b.server.Start()

	timeout := b.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !b.server.ReadyForConnections(timeout) {
		b.Shutdown()
		return fmt.Errorf("%w: embedded broker not ready after %s", messagebus.ErrBusUnavailable, timeout)
	}

	b.logger.Info("embedded broker started",
		"addr", b.server.Addr().String(),
		"tls", b.secure,
		"websocket", b.cfg.UseWebsocket,
		"anonymous", b.auth.Anonymous())
	return nil
}

// Port returns the bound client port.
func (b *Broker) Port() int {
	if addr, ok := b.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return b.cfg.Port
}

// ClientURL returns the URL a client built from the same Config dials.
func (b *Broker) ClientURL() string {
	if b.cfg.UseWebsocket {
		return b.cfg.Endpoint()
	}
	return b.cfg.endpoint(b.cfg.Host, b.Port())
}

// Authenticator returns the broker's client authentication.
func (b *Broker) Authenticator() *Authenticator {
	return b.auth
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	return b.server.NumClients()
}

// Running reports whether the broker accepts connections.
func (b *Broker) Running() bool {
	return b.server.Running()
}

// Shutdown stops the broker. Safe to call multiple times.
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.server.Shutdown()

		done := make(chan struct{})
		go func() {
			b.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
			b.logger.Info("embedded broker stopped")
		case <-time.After(5 * time.Second):
			b.logger.Warn("embedded broker shutdown timed out after 5 seconds")
		}
	})
}
