// Package memory provides an in-process broker for tests and local
// development. It honors delayed visibility and nack redelivery but
// keeps everything in memory, so nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dreadew/conveyor/broker"
)

const pollInterval = 10 * time.Millisecond

type scheduled struct {
	msg         broker.Message
	availableAt time.Time
}

// Broker is an in-memory implementation of broker.Broker.
type Broker struct {
	mu     sync.Mutex
	queues map[string][]scheduled
	closed bool
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string][]scheduled),
	}
}

// Publish enqueues a message visible no earlier than availableAt.
// Publishing the same message twice yields two deliveries, which is a
// legal at-least-once behavior and useful for duplicate-delivery tests.
func (b *Broker) Publish(_ context.Context, msg broker.Message, availableAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}

	b.enqueueLocked(msg, availableAt)
	return nil
}

func (b *Broker) enqueueLocked(msg broker.Message, availableAt time.Time) {
	q := append(b.queues[msg.Queue], scheduled{msg: msg, availableAt: availableAt})
	sort.SliceStable(q, func(i, j int) bool {
		return q[i].availableAt.Before(q[j].availableAt)
	})
	b.queues[msg.Queue] = q
}

// Consume returns a delivery channel for the queue. Deliveries are
// produced by a polling goroutine that stops when ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan *broker.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	b.mu.Unlock()

	ch := make(chan *broker.Delivery)
	go b.consumeLoop(ctx, queue, ch)
	return ch, nil
}

func (b *Broker) consumeLoop(ctx context.Context, queue string, ch chan<- *broker.Delivery) {
	defer close(ch)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msg, ok := b.popDue(queue)
		if !ok {
			continue
		}

		d := broker.NewDelivery(msg,
			func(context.Context) error { return nil },
			func(_ context.Context, delay time.Duration) error {
				b.mu.Lock()
				defer b.mu.Unlock()
				if b.closed {
					return broker.ErrClosed
				}
				b.enqueueLocked(msg, time.Now().Add(delay))
				return nil
			},
		)

		select {
		case <-ctx.Done():
			// Consumer went away before taking the delivery; requeue.
			b.mu.Lock()
			if !b.closed {
				b.enqueueLocked(msg, time.Now())
			}
			b.mu.Unlock()
			return
		case ch <- d:
		}
	}
}

func (b *Broker) popDue(queue string) (broker.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[queue]
	now := time.Now()
	for i, s := range q {
		if s.availableAt.After(now) {
			continue
		}
		b.queues[queue] = append(q[:i:i], q[i+1:]...)
		return s.msg, true
	}
	return broker.Message{}, false
}

// Ping always succeeds while the broker is open.
func (b *Broker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	return nil
}

// Close drops all queued messages and rejects further operations.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queues = make(map[string][]scheduled)
	return nil
}

// Depth returns the number of queued (not yet delivered) messages for
// the queue. Test helper.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}
