// Package redis implements broker.Broker on Redis using the reliable
// queue pattern: a Sorted Set holds delayed messages scored by their
// availability time, a List holds ready messages, and each consumer
// moves messages it is working on into its own processing List so an
// unsettled message is never silently lost.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redisbroker.New(client)
//	deliveries, err := b.Consume(ctx, "tasks")
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreadew/conveyor/broker"
	"github.com/dreadew/conveyor/id"
)

const (
	promoteBatch = 100
	popTimeout   = time.Second
)

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithConsumerID sets the consumer name used for the processing list.
// Defaults to a fresh worker ID per Broker.
func WithConsumerID(consumer string) Option {
	return func(b *Broker) { b.consumer = consumer }
}

// Broker implements broker.Broker backed by Redis.
type Broker struct {
	client   redis.Cmdable
	consumer string
	logger   *slog.Logger
}

// New creates a Redis-backed broker. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client:   client,
		consumer: id.NewWorkerID().String(),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish enqueues a message. Future availableAt lands in the delayed
// Sorted Set; anything due goes straight onto the ready List.
func (b *Broker) Publish(ctx context.Context, msg broker.Message, availableAt time.Time) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	if availableAt.After(time.Now()) {
		err = b.client.ZAdd(ctx, delayedKey(msg.Queue), redis.Z{
			Score:  float64(availableAt.UnixMilli()),
			Member: raw,
		}).Err()
	} else {
		err = b.client.LPush(ctx, readyKey(msg.Queue), raw).Err()
	}
	if err != nil {
		return fmt.Errorf("publish message %s: %w", msg.ID, err)
	}
	return nil
}

// Consume returns a delivery channel for the queue. A background
// goroutine promotes due delayed messages and blocks on the ready List;
// it stops and closes the channel when ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan *broker.Delivery, error) {
	ch := make(chan *broker.Delivery)
	go b.consumeLoop(ctx, queue, ch)
	return ch, nil
}

func (b *Broker) consumeLoop(ctx context.Context, queue string, ch chan<- *broker.Delivery) {
	defer close(ch)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := b.promoteDue(ctx, queue); err != nil && ctx.Err() == nil {
			b.logger.Warn("promote delayed messages failed", "queue", queue, "error", err)
		}

		raw, err := b.client.BLMove(ctx, readyKey(queue), processingKey(queue, b.consumer),
			"LEFT", "RIGHT", popTimeout).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("pop ready message failed", "queue", queue, "error", err)
			continue
		}

		var msg broker.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Undecodable entries would loop forever; drop them.
			b.logger.Error("drop undecodable message", "queue", queue, "error", err)
			b.client.LRem(ctx, processingKey(queue, b.consumer), 1, raw)
			continue
		}

		select {
		case <-ctx.Done():
			// Consumer went away before taking the delivery; requeue.
			b.requeue(context.WithoutCancel(ctx), queue, raw, 0)
			return
		case ch <- b.newDelivery(queue, msg, raw):
		}
	}
}

// promoteDue moves delayed messages whose score has elapsed onto the
// ready List. ZRem arbitrates between concurrent consumers: only the
// caller that removed the member pushes it.
func (b *Broker) promoteDue(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, m := range members {
		removed, err := b.client.ZRem(ctx, delayedKey(queue), m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, readyKey(queue), m).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) newDelivery(queue string, msg broker.Message, raw string) *broker.Delivery {
	proc := processingKey(queue, b.consumer)

	return broker.NewDelivery(msg,
		func(ctx context.Context) error {
			return b.client.LRem(ctx, proc, 1, raw).Err()
		},
		func(ctx context.Context, delay time.Duration) error {
			return b.requeue(ctx, queue, raw, delay)
		},
	)
}

func (b *Broker) requeue(ctx context.Context, queue, raw string, delay time.Duration) error {
	if err := b.client.LRem(ctx, processingKey(queue, b.consumer), 1, raw).Err(); err != nil {
		return err
	}
	if delay > 0 {
		return b.client.ZAdd(ctx, delayedKey(queue), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: raw,
		}).Err()
	}
	return b.client.LPush(ctx, readyKey(queue), raw).Err()
}

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (b *Broker) Close() error { return nil }
