// Package memory implements broker.Broker with an in-process channel.
// Intended for unit testing and single-process development; tokens do not
// survive a restart, so production deployments should use broker/redis.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/broker"
	"github.com/floqueue/floq/id"
)

// errFull is returned when the buffered channel is at capacity.
var errFull = errors.New("floq/broker/memory: queue full")

// Option configures the Broker.
type Option func(*Broker)

// WithCapacity sets the buffered channel capacity. Publish fails once the
// buffer is full. Default 1024.
func WithCapacity(n int) Option {
	return func(b *Broker) { b.capacity = n }
}

// Broker is a channel-backed in-memory broker.
type Broker struct {
	capacity int

	mu     sync.Mutex
	ready  chan id.JobID
	closed bool
}

var _ broker.Broker = (*Broker)(nil)

// New creates an in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{capacity: 1024}
	for _, opt := range opts {
		opt(b)
	}
	b.ready = make(chan id.JobID, b.capacity)
	return b
}

// Publish enqueues a token, deferring by delay via a timer when non-zero.
func (b *Broker) Publish(_ context.Context, jobID id.JobID, delay time.Duration) error {
	if delay <= 0 {
		return b.enqueue(jobID)
	}
	time.AfterFunc(delay, func() {
		_ = b.enqueue(jobID) //nolint:errcheck // nothing to report a late enqueue failure to
	})
	return nil
}

func (b *Broker) enqueue(jobID id.JobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return floq.ErrBrokerClosed
	}
	select {
	case b.ready <- jobID:
		return nil
	default:
		return errFull
	}
}

// Consume blocks until a token arrives, ctx ends, or the broker closes.
func (b *Broker) Consume(ctx context.Context) (*broker.Delivery, error) {
	select {
	case jobID, ok := <-b.ready:
		if !ok {
			return nil, floq.ErrBrokerClosed
		}
		return &broker.Delivery{ID: id.NewDeliveryID(), JobID: jobID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op: the in-memory broker has no durable in-flight set to
// clean up. Redelivery only happens through explicit Nack.
func (b *Broker) Ack(_ context.Context, _ *broker.Delivery) error { return nil }

// Nack requeues the token for immediate redelivery.
func (b *Broker) Nack(_ context.Context, d *broker.Delivery) error {
	return b.enqueue(d.JobID)
}

// Close closes the channel; blocked Consume calls return ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.ready)
	return nil
}
