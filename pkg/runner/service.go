package runner

import "context"

// Service is a unit the Runner manages. Services implement graceful startup
// and shutdown semantics.
type Service interface {
	// Name returns a unique identifier used in logs and error messages.
	Name() string

	// Start initializes the service. It blocks until the service is ready
	// and must respect context cancellation.
	Start(ctx context.Context) error

	// Stop gracefully shuts the service down within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface for services that can report health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
