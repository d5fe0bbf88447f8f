// Package config loads the twinbusd configuration from TWINBUS_* environment
// variables, optionally seeded from .env files. Dotenv values are taken
// literally: "$" is not expanded, so bcrypt hashes can be written as is.
//
//	TWINBUS_BUS_MODE=nats
//	TWINBUS_BUS_PORT=4222
//	TWINBUS_BUS_USERS=viewer:$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy,ops:S3cure-Passw0rd!
//	TWINBUS_PERSISTENCE_BACKEND=sqlite
//	TWINBUS_PERSISTENCE_DSN=/var/lib/twinbus/twin.db
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/messagebus/nats"
)

// Prefix is prepended to every variable name.
const Prefix = "TWINBUS_"

// Bus modes.
const (
	BusInProcess = "inprocess"
	BusNATS      = "nats"
	BusForward   = "forward"
)

// Persistence backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the complete daemon configuration.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Bus         BusConfig         `envPrefix:"BUS_"`
	Persistence PersistenceConfig `envPrefix:"PERSISTENCE_"`
	Telemetry   TelemetryConfig   `envPrefix:"TELEMETRY_"`
}

// BusConfig selects and configures the message bus.
type BusConfig struct {
	// Mode is inprocess, nats or forward (in-process dispatch plus forwarding to nats).
	Mode string `env:"MODE" envDefault:"nats"`

	Host              string `env:"HOST" envDefault:"localhost"`
	BrokerHost        string `env:"BROKER_HOST" envDefault:"127.0.0.1"`
	Port              int    `env:"PORT" envDefault:"4222"`
	SSLPort           int    `env:"SSL_PORT" envDefault:"4223"`
	WebsocketPort     int    `env:"WEBSOCKET_PORT" envDefault:"8080"`
	SSLWebsocketPort  int    `env:"SSL_WEBSOCKET_PORT" envDefault:"8443"`
	UseEmbeddedBroker bool   `env:"EMBEDDED_BROKER" envDefault:"true"`
	UseWebsocket      bool   `env:"WEBSOCKET" envDefault:"false"`
	TopicPrefix       string `env:"TOPIC_PREFIX" envDefault:"events/"`
	ClientID          string `env:"CLIENT_ID" envDefault:"twinbus"`

	ClientKeystorePath     string `env:"CLIENT_KEYSTORE"`
	ClientKeystorePassword string `env:"CLIENT_KEYSTORE_PASSWORD"`
	BrokerKeystorePath     string `env:"BROKER_KEYSTORE"`
	BrokerKeystorePassword string `env:"BROKER_KEYSTORE_PASSWORD"`

	// Username, Password and Token authenticate against an external broker.
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Token    string `env:"TOKEN"`

	// Users is the embedded broker credential table: user:password pairs
	// separated by commas. Passwords may be bcrypt hashes.
	Users map[string]string `env:"USERS" envKeyValSeparator:":"`

	// CredentialsKeeper and CredentialsFile point at encrypted client
	// credentials for an external broker.
	CredentialsKeeper string `env:"CREDENTIALS_KEEPER"`
	CredentialsFile   string `env:"CREDENTIALS_FILE"`

	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	PublishTimeout   time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
	ReconnectWait    time.Duration `env:"RECONNECT_WAIT" envDefault:"1s"`
	ReconnectTimeout time.Duration `env:"RECONNECT_TIMEOUT" envDefault:"5s"`
}

// PersistenceConfig selects the element store.
type PersistenceConfig struct {
	Backend string `env:"BACKEND" envDefault:"memory"`
	DSN     string `env:"DSN" envDefault:"twinbus.db"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"twinbusd"`
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`

	// SpanDB enables span export into a SQLite database at this path.
	SpanDB string `env:"SPAN_DB"`

	// SampleRate is the trace sampling ratio between 0 and 1.
	SampleRate float64 `env:"SAMPLE_RATE" envDefault:"1"`
}

// Option configures Load.
type Option func(*loader)

type loader struct {
	files   []string
	environ map[string]string
}

// WithEnvFiles loads the given dotenv files instead of ".env". Missing files are ignored.
func WithEnvFiles(files ...string) Option {
	return func(l *loader) {
		l.files = files
	}
}

// WithEnvironment parses the given variables instead of the process environment.
// Dotenv files are not read.
func WithEnvironment(environ map[string]string) Option {
	return func(l *loader) {
		l.environ = environ
	}
}

// Load reads the configuration and validates it. Variables already present in
// the environment take precedence over dotenv files.
func Load(opts ...Option) (Config, error) {
	l := &loader{files: []string{".env"}}
	for _, opt := range opts {
		opt(l)
	}

	if l.environ == nil {
		for _, file := range l.files {
			if err := loadDotenv(file); err != nil {
				return Config{}, fmt.Errorf("%w: failed to load %s: %v", messagebus.ErrConfiguration, file, err)
			}
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix, Environment: l.environ}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", messagebus.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotenv sets the variables of file that are not already present in the
// environment. A missing file is not an error.
//
// godotenv expands $NAME in unquoted and double-quoted values, which mangles
// bcrypt hashes. Every "$" is escaped before parsing and the escape is
// removed again afterwards, so values keep their dollar signs in all
// quoting styles.
func loadDotenv(file string) error {
	raw, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	vars, err := godotenv.Unmarshal(strings.ReplaceAll(string(raw), "$", `\$`))
	if err != nil {
		return err
	}
	for key, value := range vars {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, strings.ReplaceAll(value, `\$`, "$")); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the selections that the component configs do not cover.
func (c Config) Validate() error {
	var problems []string
	if !slices.Contains([]string{BusInProcess, BusNATS, BusForward}, c.Bus.Mode) {
		problems = append(problems, fmt.Sprintf("unknown bus mode %q", c.Bus.Mode))
	}
	if !slices.Contains([]string{BackendMemory, BackendSQLite}, c.Persistence.Backend) {
		problems = append(problems, fmt.Sprintf("unknown persistence backend %q", c.Persistence.Backend))
	}
	if (c.Bus.CredentialsKeeper == "") != (c.Bus.CredentialsFile == "") {
		problems = append(problems, "credentials keeper and file must be set together")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		problems = append(problems, "telemetry sample rate must be between 0 and 1")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}
	if c.Bus.Mode != BusInProcess {
		if err := c.NATS().Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", messagebus.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// NATS returns the bridged bus configuration.
func (c Config) NATS() nats.Config {
	b := c.Bus
	return nats.Config{
		Host:              b.Host,
		BrokerHost:        b.BrokerHost,
		Port:              b.Port,
		SSLPort:           b.SSLPort,
		WebsocketPort:     b.WebsocketPort,
		SSLWebsocketPort:  b.SSLWebsocketPort,
		UseEmbeddedBroker: b.UseEmbeddedBroker,
		UseWebsocket:      b.UseWebsocket,
		TopicPrefix:       b.TopicPrefix,
		ClientID:          b.ClientID,
		ClientKeystore:    nats.KeystoreConfig{Path: b.ClientKeystorePath, Password: b.ClientKeystorePassword},
		BrokerKeystore:    nats.KeystoreConfig{Path: b.BrokerKeystorePath, Password: b.BrokerKeystorePassword},
		Username:          b.Username,
		Password:          b.Password,
		Users:             b.Users,
		ConnectTimeout:    b.ConnectTimeout,
		PublishTimeout:    b.PublishTimeout,
		ReconnectWait:     b.ReconnectWait,
		ReconnectTimeout:  b.ReconnectTimeout,
	}
}

// Logger builds the structured logger selected by LogLevel and LogFormat.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
