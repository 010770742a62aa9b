package domain

import (
	"errors"
	"fmt"
)

// ErrAgentNotFound is returned for operations on an agent id that has no
// registry record.
var ErrAgentNotFound = errors.New("agent not found")

// ErrShutdown resolves queued requests abandoned during shutdown.
var ErrShutdown = errors.New("shutting down")

// InfrastructureError means the container runtime itself was unreachable or
// out of resources. The registry record is left unchanged.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// LifecycleError means a container was created but never became healthy
// within the startup timeout. Partially created resources are torn down
// before this is returned.
type LifecycleError struct {
	AgentID string
	Err     error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("lifecycle: agent %s: %v", e.AgentID, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// ConcurrencyError means an enqueue was rejected, e.g. because the queue is
// shutting down.
type ConcurrencyError struct {
	AgentID string
	Err     error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency: agent %s: %v", e.AgentID, e.Err)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

// PersistenceError means a durable write failed. Registry writes are
// all-or-nothing, so the previous on-disk state is still intact.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError means an input (snapshot archive, target directory) was
// rejected before any filesystem mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// TransientExecutionError marks an engine failure as retryable. The queue
// worker retries these with exponential backoff before giving up.
type TransientExecutionError struct {
	Err error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by the queue worker.
func IsTransient(err error) bool {
	var te *TransientExecutionError
	return errors.As(err, &te)
}

// IsNotFound reports whether err indicates a missing agent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound)
}

// IsValidation reports whether err is a pre-mutation input rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
