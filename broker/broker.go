// Package broker defines the Broker Channel contract: durable,
// at-least-once delivery of job IDs from the dispatcher to workers.
//
// The broker never holds authoritative job state. It carries only a
// delivery token referencing a job ID; a token may be delivered more than
// once (broker restart, unacked claim, explicit Nack) and consumers must
// tolerate that via the store's conditional claim.
package broker

import (
	"context"
	"time"

	"github.com/floqueue/floq/id"
)

// Delivery is one delivery attempt of a job token. The ID is unique per
// attempt; the JobID references the authoritative record.
type Delivery struct {
	ID    id.DeliveryID
	JobID id.JobID
}

// Broker is the delivery channel between the dispatcher and workers.
// Implementations must be safe for concurrent use.
type Broker interface {
	// Publish enqueues a delivery token for jobID. A non-zero delay defers
	// delivery until at least that much time has passed (retry backoff).
	// Once Publish returns nil the token is durably enqueued and will be
	// delivered at least once.
	Publish(ctx context.Context, jobID id.JobID, delay time.Duration) error

	// Consume blocks until a token is available, the context is cancelled,
	// or the broker is closed. Competing consumers receive disjoint
	// deliveries per attempt; redelivery after an unacked claim may hand
	// the same job to a different consumer.
	Consume(ctx context.Context) (*Delivery, error)

	// Ack acknowledges a delivery, removing its in-flight token.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns a delivery for redelivery to another consumer.
	Nack(ctx context.Context, d *Delivery) error

	// Close releases broker resources. Blocked Consume calls return
	// floq.ErrBrokerClosed.
	Close() error
}
