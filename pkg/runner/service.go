package runner

import "context"

// Service is a component with a lifecycle: the message bus, an embedded
// broker, an audit subscriber. The Runner starts services in order and stops
// them in reverse, so a service may rely on everything registered before it.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start returns once the service is usable, e.g. the bus is connected.
	Start(ctx context.Context) error

	// Stop releases the service. It is called only for services whose Start
	// succeeded and must return by the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their state after
// startup.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}
