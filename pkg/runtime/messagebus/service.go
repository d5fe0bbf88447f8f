// Package messagebus provides a runner.Service adapter for any
// messagebus.MessageBus, so the bus starts before and stops after the
// components that publish on it.
package messagebus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/observability"
	"github.com/plaenen/twinbus/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// HealthReporter is implemented by buses that can report transport health.
type HealthReporter interface {
	HealthCheck(ctx context.Context) error
}

// Service wraps a MessageBus as a runner.Service.
//
//	bus, _ := nats.New(cfg)
//	busService := messagebus.New(bus, messagebus.WithLogger(logger))
//	r := runner.New([]runner.Service{busService, handlerService})
type Service struct {
	bus     messagebus.MessageBus
	name    string
	logger  runner.Logger
	tracer  trace.Tracer
	running atomic.Bool
}

// Option configures the service.
type Option func(*Service)

// WithName overrides the service name. Default is "messagebus".
func WithName(name string) Option {
	return func(s *Service) {
		s.name = name
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger runner.Logger) Option {
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

// New wraps bus.
func New(bus messagebus.MessageBus, opts ...Option) *Service {
	s := &Service{
		bus:    bus,
		name:   "messagebus",
		logger: runner.NewNoopLogger(),
		tracer: noop.NewTracerProvider().Tracer("messagebus"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	return s.name
}

// Start starts the bus.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "messagebus.Service.Start")
	defer span.End()

	if err := s.bus.Start(ctx); err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to start message bus", "error", err)
		return fmt.Errorf("failed to start message bus: %w", err)
	}
	s.running.Store(true)
	s.logger.Info("message bus service started", "service", s.name)
	return nil
}

// Stop stops the bus.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "messagebus.Service.Stop")
	defer span.End()

	s.running.Store(false)
	if err := s.bus.Stop(ctx); err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to stop message bus: %w", err)
	}
	s.logger.Info("message bus service stopped", "service", s.name)
	return nil
}

// HealthCheck fails before Start and after Stop, and otherwise delegates to
// the bus when it implements HealthReporter.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "messagebus.Service.HealthCheck")
	defer span.End()

	if !s.running.Load() {
		err := errors.New("message bus not started")
		observability.SetSpanError(ctx, err)
		return err
	}
	if hr, ok := s.bus.(HealthReporter); ok {
		if err := hr.HealthCheck(ctx); err != nil {
			observability.SetSpanError(ctx, err)
			return err
		}
	}
	span.SetAttributes(attribute.Bool("healthy", true))
	return nil
}

// Bus returns the wrapped bus.
func (s *Service) Bus() messagebus.MessageBus {
	return s.bus
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
