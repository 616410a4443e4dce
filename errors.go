package floq

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("floq: no store configured")
	ErrStoreClosed = errors.New("floq: store closed")

	// Not found.
	ErrJobNotFound = errors.New("floq: job not found")

	// Conflicts.
	ErrJobExists = errors.New("floq: job already exists")

	// ErrClaimConflict means a conditional transition lost its race: the
	// job was already claimed by another worker, already finished, or was
	// released by the sweeper. Benign under at-least-once delivery; workers
	// swallow it and acknowledge the token without executing.
	ErrClaimConflict = errors.New("floq: claim conflict")

	// ErrNoHandler means no handler is registered for a job's kind.
	ErrNoHandler = errors.New("floq: no handler registered for kind")

	// Broker errors.
	ErrBrokerClosed = errors.New("floq: broker closed")
)
