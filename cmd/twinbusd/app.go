package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/plaenen/twinbus/pkg/assetconnection"
	"github.com/plaenen/twinbus/pkg/config"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/messagebus/forward"
	"github.com/plaenen/twinbus/pkg/messagebus/inprocess"
	"github.com/plaenen/twinbus/pkg/messagebus/nats"
	"github.com/plaenen/twinbus/pkg/observability"
	"github.com/plaenen/twinbus/pkg/persistence"
	"github.com/plaenen/twinbus/pkg/persistence/sqlite"
	"github.com/plaenen/twinbus/pkg/request"
	"github.com/plaenen/twinbus/pkg/runner"
	runtimebus "github.com/plaenen/twinbus/pkg/runtime/messagebus"
	"github.com/plaenen/twinbus/pkg/security/credentials"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

const spanRetention = 7 * 24 * time.Hour

// app is a fully wired twin: store, asset connections, bus and request handler.
type app struct {
	logger    *slog.Logger
	telemetry *observability.Telemetry
	store     persistence.Persistence
	assets    *assetconnection.Manager
	bus       messagebus.MessageBus
	handler   *request.Handler
	services  []runner.Service
	closers   []io.Closer
}

// newApp wires the components selected by cfg. Nothing is started.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.telemetry, err = a.initTelemetry(ctx, cfg.Telemetry); err != nil {
		return nil, err
	}
	tracer := a.telemetry.Tracer("twinbus")
	metrics := a.telemetry.Metrics

	if a.store, err = a.openStore(cfg.Persistence); err != nil {
		return nil, err
	}
	a.assets = assetconnection.NewManager(a.store,
		assetconnection.WithLogger(logger),
		assetconnection.WithMetrics(metrics))
	a.closers = append(a.closers, a.assets)

	if a.bus, err = a.openBus(ctx, cfg, tracer, metrics); err != nil {
		return nil, err
	}
	a.handler = request.NewHandler(a.store, a.assets, a.bus,
		request.WithLogger(logger),
		request.WithTracer(tracer),
		request.WithMetrics(metrics))

	a.services = []runner.Service{
		&closerService{name: "resources", close: a.close},
		runtimebus.New(a.bus, runtimebus.WithName("messagebus-"+cfg.Bus.Mode), runtimebus.WithLogger(logger), runtimebus.WithTracer(tracer)),
		newAuditor(a.bus, logger),
	}
	return a, nil
}

func (a *app) initTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*observability.Telemetry, error) {
	tc := observability.Config{
		ServiceName:     cfg.ServiceName,
		ServiceVersion:  version,
		Environment:     cfg.Environment,
		TraceSampleRate: cfg.SampleRate,
		Logger:          a.logger,
	}
	if cfg.SpanDB != "" {
		db, err := sql.Open("sqlite", cfg.SpanDB)
		if err != nil {
			return nil, fmt.Errorf("open span database: %w", err)
		}
		a.closers = append(a.closers, db)
		store, err := observability.NewSpanStore(ctx, db, spanRetention)
		if err != nil {
			return nil, err
		}
		tc.TraceExporter = store
	}
	return observability.Init(ctx, tc)
}

func (a *app) openStore(cfg config.PersistenceConfig) (persistence.Persistence, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := sqlite.New(sqlite.WithDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite persistence: %w", err)
		}
		a.closers = append(a.closers, store)
		a.logger.Info("using sqlite persistence", "dsn", cfg.DSN)
		return store, nil
	default:
		a.logger.Info("using in-memory persistence")
		return persistence.NewMemory(), nil
	}
}

func (a *app) openBus(ctx context.Context, cfg config.Config, tracer trace.Tracer, metrics *observability.Metrics) (messagebus.MessageBus, error) {
	local := func() *inprocess.Bus {
		return inprocess.New(inprocess.WithLogger(a.logger), inprocess.WithTracer(tracer), inprocess.WithMetrics(metrics))
	}
	if cfg.Bus.Mode == config.BusInProcess {
		return local(), nil
	}

	opts := []nats.Option{nats.WithLogger(a.logger), nats.WithTracer(tracer), nats.WithMetrics(metrics)}
	if !cfg.Bus.UseEmbeddedBroker {
		provider, err := a.brokerCredentials(ctx, cfg.Bus)
		if err != nil {
			return nil, err
		}
		if provider != nil {
			opts = append(opts, nats.WithCredentials(provider))
		}
	}
	bridged, err := nats.New(cfg.NATS(), opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Bus.Mode == config.BusForward {
		return forward.New(local(), bridged, forward.WithLogger(a.logger), forward.WithMetrics(metrics)), nil
	}
	return bridged, nil
}

// brokerCredentials chains the credential sources for an external broker:
// the sealed credentials file, then TWINBUS_BUS_USERNAME/TWINBUS_BUS_PASSWORD
// and TWINBUS_BUS_TOKEN read from the process environment at connect time,
// then the values captured by the configuration. It returns nil when no source
// is configured, and the client connects anonymously.
func (a *app) brokerCredentials(ctx context.Context, cfg config.BusConfig) (credentials.Provider, error) {
	userVar, passwordVar, tokenVar := config.Prefix+"BUS_USERNAME", config.Prefix+"BUS_PASSWORD", config.Prefix+"BUS_TOKEN"
	_, envUser := os.LookupEnv(userVar)
	_, envToken := os.LookupEnv(tokenVar)
	if cfg.CredentialsKeeper == "" && cfg.Username == "" && cfg.Token == "" && !envUser && !envToken {
		return nil, nil
	}

	var chain []credentials.Provider
	if cfg.CredentialsKeeper != "" {
		sealed, err := credentials.NewSecretProvider(ctx, cfg.CredentialsKeeper, cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("load broker credentials: %w", err)
		}
		chain = append(chain, sealed)
	}
	chain = append(chain,
		credentials.NewEnvUserPasswordProvider(userVar, passwordVar),
		credentials.NewEnvTokenProvider(tokenVar),
	)
	if cfg.Username != "" {
		chain = append(chain, credentials.NewStaticUserPasswordProvider(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		chain = append(chain, credentials.NewStaticTokenProvider(cfg.Token, 0))
	}
	provider := credentials.NewChainProvider(chain...)
	a.closers = append(a.closers, provider)
	return provider, nil
}

// close shuts telemetry down and releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	// Flush spans while the span database is still open.
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.telemetry = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// closerService releases resources when the runner stops. It is registered
// first so it stops last.
type closerService struct {
	name  string
	close func() error
}

func (s *closerService) Name() string                { return s.name }
func (s *closerService) Start(context.Context) error { return nil }
func (s *closerService) Stop(context.Context) error  { return s.close() }
