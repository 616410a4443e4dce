// Package redis implements broker.Broker on Redis lists with a reliable
// queue pattern: a ready list feeds consumers, an in-flight processing
// list holds unacked tokens, and a delayed Sorted Set defers retries.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redisbroker.New(client)
//	defer b.Close()
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/broker"
	"github.com/floqueue/floq/id"
)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithQueue sets the queue name used in key construction. Default "default".
func WithQueue(name string) Option {
	return func(b *Broker) { b.queue = name }
}

// WithPollInterval sets how long Consume sleeps between polls when the
// ready list is empty. Default 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.pollInterval = d }
}

// Broker implements broker.Broker backed by Redis.
type Broker struct {
	client       redis.Cmdable
	logger       *slog.Logger
	queue        string
	pollInterval time.Duration

	closed chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Redis-backed broker. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client:       client,
		logger:       slog.Default(),
		queue:        "default",
		pollInterval: 100 * time.Millisecond,
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish enqueues a token for jobID. With a positive delay the token
// lands in the delayed set and is promoted to the ready list once due.
func (b *Broker) Publish(ctx context.Context, jobID id.JobID, delay time.Duration) error {
	select {
	case <-b.closed:
		return floq.ErrBrokerClosed
	default:
	}

	if delay <= 0 {
		if err := b.client.LPush(ctx, b.readyKey(), jobID.String()).Err(); err != nil {
			return fmt.Errorf("publish job %s: %w", jobID, err)
		}
		return nil
	}

	due := float64(time.Now().Add(delay).UnixMilli())
	err := b.client.ZAdd(ctx, b.delayedKey(), redis.Z{Score: due, Member: jobID.String()}).Err()
	if err != nil {
		return fmt.Errorf("publish delayed job %s: %w", jobID, err)
	}
	return nil
}

// Consume blocks until a token is available, polling the ready list after
// promoting any due delayed tokens. Claimed tokens move atomically to the
// processing list and stay there until Ack or Nack.
func (b *Broker) Consume(ctx context.Context) (*broker.Delivery, error) {
	for {
		select {
		case <-b.closed:
			return nil, floq.ErrBrokerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := b.promoteDue(ctx); err != nil {
			return nil, err
		}

		raw, err := b.client.RPopLPush(ctx, b.readyKey(), b.processingKey()).Result()
		switch {
		case err == nil:
			jobID, perr := id.ParseJobID(raw)
			if perr != nil {
				// Poison token; drop it rather than wedging the consumer.
				b.logger.Warn("dropping malformed token", "queue", b.queue, "token", raw, "error", perr)
				b.client.LRem(ctx, b.processingKey(), 1, raw)
				continue
			}
			return &broker.Delivery{ID: id.NewDeliveryID(), JobID: jobID}, nil
		case errors.Is(err, redis.Nil):
			select {
			case <-b.closed:
				return nil, floq.ErrBrokerClosed
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.pollInterval):
			}
		default:
			return nil, fmt.Errorf("consume: %w", err)
		}
	}
}

// promoteDue moves delayed tokens whose due time has passed onto the
// ready list. ZRem gates the push so concurrent consumers cannot promote
// the same token twice.
func (b *Broker) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 128,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed: %w", err)
	}

	for _, m := range members {
		removed, err := b.client.ZRem(ctx, b.delayedKey(), m).Result()
		if err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
		if removed == 0 {
			continue // another consumer won
		}
		if err := b.client.LPush(ctx, b.readyKey(), m).Err(); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
	}
	return nil
}

// Ack removes the delivery's token from the processing list.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	if err := b.client.LRem(ctx, b.processingKey(), 1, d.JobID.String()).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.JobID, err)
	}
	return nil
}

// Nack moves the delivery's token from the processing list back to the
// ready list for redelivery.
func (b *Broker) Nack(ctx context.Context, d *broker.Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.processingKey(), 1, d.JobID.String())
	pipe.LPush(ctx, b.readyKey(), d.JobID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack job %s: %w", d.JobID, err)
	}
	return nil
}

// RecoverPending drains the processing list back onto the ready list.
// Run it at startup to redeliver tokens orphaned by a crashed consumer;
// the store's conditional claim makes the resulting redelivery harmless.
func (b *Broker) RecoverPending(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := b.client.RPopLPush(ctx, b.processingKey(), b.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover pending: %w", err)
		}
		n++
	}
}

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close marks the broker closed and unblocks polling consumers. The
// caller owns the Redis client lifecycle.
func (b *Broker) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}
