// Package broker provides a runner.Service adapter for a standalone embedded
// NATS broker that other twins and observers connect to.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/twinbus/pkg/messagebus/nats"
	"github.com/plaenen/twinbus/pkg/observability"
	"github.com/plaenen/twinbus/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Service runs an embedded broker as a runner.Service.
type Service struct {
	cfg    nats.Config
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	broker *nats.Broker
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates a broker service for cfg. The broker is created on Start.
func New(cfg nats.Config, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("broker"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	return "embedded-broker"
}

// Start creates and starts the broker.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "broker.Start")
	defer span.End()

	b, err := nats.NewBroker(s.cfg, s.logger)
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to create embedded broker: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to start embedded broker: %w", err)
	}

	s.mu.Lock()
	s.broker = b
	s.mu.Unlock()

	span.SetAttributes(attribute.String("broker.url", b.ClientURL()))
	return nil
}

// Stop shuts the broker down.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "broker.Stop")
	defer span.End()

	s.mu.Lock()
	b := s.broker
	s.broker = nil
	s.mu.Unlock()

	if b != nil {
		b.Shutdown()
	}
	return nil
}

// HealthCheck fails unless the broker is running.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "broker.HealthCheck")
	defer span.End()

	b := s.Broker()
	if b == nil || !b.Running() {
		err := errors.New("embedded broker not running")
		observability.SetSpanError(ctx, err)
		return err
	}
	span.SetAttributes(attribute.Int("broker.clients", b.Clients()))
	return nil
}

// Broker returns the running broker, or nil before Start and after Stop.
func (s *Service) Broker() *nats.Broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker
}

// URL returns the client URL of the running broker.
func (s *Service) URL() string {
	if b := s.Broker(); b != nil {
		return b.ClientURL()
	}
	return ""
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
