// Package nats implements the bridged message bus on top of NATS. Events are
// published as JSON on one subject per concrete event kind; the bus can host
// its own broker in process.
//
// Dispatch to handlers happens on the NATS client's delivery goroutines, not on
// the publisher's goroutine. Publish returns once the broker acknowledged the
// write (a flush round trip), not when subscribers finished processing.
package nats

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/password"
)

// KeystoreConfig points at a certificate keystore. PKCS#12 files (.p12, .pfx)
// are decrypted with Password; PEM files must contain an unencrypted
// certificate and private key.
type KeystoreConfig struct {
	Path     string
	Password string
}

// IsSet reports whether a keystore is configured.
func (k KeystoreConfig) IsSet() bool {
	return k.Path != ""
}

// Config holds configuration for the bridged message bus and its embedded broker.
type Config struct {
	// Host is the broker host the client dials.
	Host string

	// BrokerHost is the address the embedded broker binds.
	BrokerHost string

	// Port is the plaintext client port. -1 picks a random port for the embedded broker.
	//
	// nats-server has a single client listener. When BrokerKeystore is set the
	// embedded broker listens on SSLPort only, accepting TLS and plaintext
	// clients there, and nothing listens on Port. Plaintext clients of a
	// TLS-enabled broker must dial SSLPort.
	Port int

	// SSLPort is the TLS client port, used when a keystore is configured.
	SSLPort int

	// WebsocketPort is the plaintext websocket port.
	WebsocketPort int

	// SSLWebsocketPort is the TLS websocket port.
	SSLWebsocketPort int

	// UseEmbeddedBroker starts a broker inside the bus before connecting to it.
	UseEmbeddedBroker bool

	// UseWebsocket selects the websocket transport for the client and enables
	// the websocket listener on the embedded broker.
	UseWebsocket bool

	// TopicPrefix is prepended to the concrete kind name to form the subject.
	TopicPrefix string

	// ClientID names the client connection.
	ClientID string

	// ClientKeystore enables TLS for the outbound client.
	ClientKeystore KeystoreConfig

	// BrokerKeystore enables the TLS listener(s) of the embedded broker.
	BrokerKeystore KeystoreConfig

	// Username and Password authenticate the client against an external broker.
	Username string
	Password string

	// Users is the credential table of the embedded broker. Values are plaintext
	// passwords or bcrypt hashes. Empty means anonymous access.
	Users map[string]string

	// ConnectTimeout bounds the initial connection and broker startup.
	ConnectTimeout time.Duration

	// PublishTimeout bounds the broker round trip of Publish, Subscribe and Unsubscribe.
	PublishTimeout time.Duration

	// ReconnectWait is the delay between background reconnect attempts.
	ReconnectWait time.Duration

	// ReconnectTimeout bounds the inline reconnect attempt made by calls issued while disconnected.
	ReconnectTimeout time.Duration
}

// DefaultConfig returns sensible defaults: embedded broker on 127.0.0.1:4222,
// subjects "events/<Kind>".
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		BrokerHost:        "127.0.0.1",
		Port:              4222,
		SSLPort:           4223,
		WebsocketPort:     8080,
		SSLWebsocketPort:  8443,
		UseEmbeddedBroker: true,
		TopicPrefix:       "events/",
		ClientID:          "twinbus",
		ConnectTimeout:    5 * time.Second,
		PublishTimeout:    5 * time.Second,
		ReconnectWait:     time.Second,
		ReconnectTimeout:  5 * time.Second,
	}
}

// TestConfig returns a config suitable for tests: embedded broker on a random
// port and short timeouts.
func TestConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = -1
	cfg.SSLPort = -1
	cfg.ConnectTimeout = 2 * time.Second
	cfg.PublishTimeout = 2 * time.Second
	cfg.ReconnectWait = 50 * time.Millisecond
	cfg.ReconnectTimeout = 2 * time.Second
	return cfg
}

// Validate reports configuration errors. All errors wrap messagebus.ErrConfiguration.
func (c Config) Validate() error {
	var problems []string

	if c.Host == "" {
		problems = append(problems, "host is required")
	}
	if c.UseEmbeddedBroker && c.BrokerHost == "" {
		problems = append(problems, "broker host is required for the embedded broker")
	}
	for name, port := range map[string]int{
		"port":               c.Port,
		"ssl port":           c.SSLPort,
		"websocket port":     c.WebsocketPort,
		"ssl websocket port": c.SSLWebsocketPort,
	} {
		if port < -1 || port > 65535 || port == 0 {
			problems = append(problems, fmt.Sprintf("%s %d out of range", name, port))
		}
	}
	if c.UseWebsocket && (c.WebsocketPort <= 0 || c.SSLWebsocketPort <= 0) {
		problems = append(problems, "websocket transport requires fixed websocket ports")
	}
	if !c.UseEmbeddedBroker && (c.Port <= 0 || c.SSLPort <= 0) {
		problems = append(problems, "an external broker requires fixed ports")
	}
	if c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, " \t\r\n*>") {
		problems = append(problems, fmt.Sprintf("topic prefix %q is not a valid subject prefix", c.TopicPrefix))
	}
	for _, user := range slices.Sorted(maps.Keys(c.Users)) {
		if user == "" {
			problems = append(problems, "credential table contains an empty user name")
			continue
		}
		if err := password.CheckEntry(c.Users[user]); err != nil {
			problems = append(problems, fmt.Sprintf("credential entry for %q: %v", user, err))
		}
	}
	if c.ConnectTimeout <= 0 || c.PublishTimeout <= 0 || c.ReconnectWait <= 0 || c.ReconnectTimeout <= 0 {
		problems = append(problems, "timeouts must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", messagebus.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Subject returns the subject used for a concrete kind name.
func (c Config) Subject(kind string) string {
	return c.TopicPrefix + kind
}

// Endpoint returns the client URL for the configured transport: nats://, tls://,
// ws:// or wss://, depending on the client keystore and websocket settings.
func (c Config) Endpoint() string {
	return c.endpoint(c.Host, c.clientPort())
}

func (c Config) endpoint(host string, port int) string {
	return fmt.Sprintf("%s://%s:%d", c.scheme(), host, port)
}

func (c Config) scheme() string {
	secure := c.ClientKeystore.IsSet()
	switch {
	case c.UseWebsocket && secure:
		return "wss"
	case c.UseWebsocket:
		return "ws"
	case secure:
		return "tls"
	default:
		return "nats"
	}
}

func (c Config) clientPort() int {
	secure := c.ClientKeystore.IsSet()
	switch {
	case c.UseWebsocket && secure:
		return c.SSLWebsocketPort
	case c.UseWebsocket:
		return c.WebsocketPort
	case secure:
		return c.SSLPort
	default:
		return c.Port
	}
}
