package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Runner starts services in order, waits for cancellation or a shutdown
// signal, and stops the started services in reverse order.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	signals         bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner. *slog.Logger satisfies Logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
// Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for each service start.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithoutSignals makes Run stop only on context cancellation.
func WithoutSignals() Option {
	return func(r *Runner) {
		r.signals = false
	}
}

// New creates a Runner for services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          NewNoopLogger(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
		signals:         true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts all services sequentially and blocks until ctx is cancelled or
// a shutdown signal arrives. If a service fails to start, the services
// started before it are stopped and the start error is returned.
func (r *Runner) Run(ctx context.Context) error {
	if r.signals {
		var stop context.CancelFunc
		ctx, stop = NotifyShutdown(ctx)
		defer stop()
	}

	r.logger.Info("starting services", "count", len(r.services))
	started := make([]Service, 0, len(r.services))
	for _, service := range r.services {
		r.logger.Info("starting service", "service", service.Name())

		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()
		if err != nil {
			r.logger.Error("failed to start service", "service", service.Name(), "error", err)
			if stopErr := r.stopServices(started); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}
		started = append(started, service)
	}
	r.logger.Info("all services started")

	<-ctx.Done()
	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services in reverse order, one at a time, so a service
// never outlives the services it depends on.
func (r *Runner) stopServices(services []Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("stop %s: shutdown timeout exceeded", svc.Name()))
			continue
		}
		r.logger.Info("stopping service", "service", svc.Name())
		if err := svc.Stop(ctx); err != nil {
			r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck checks every service that implements HealthChecker and reports all failures.
func (r *Runner) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = append(errs, fmt.Errorf("service %s unhealthy: %w", service.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
