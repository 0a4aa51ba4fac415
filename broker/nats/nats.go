// Package nats implements broker.Broker on NATS JetStream. Messages are
// published to one subject per queue under a shared work-queue stream
// and consumed through durable pull subscriptions with explicit acks.
//
// JetStream has no native delayed delivery, so scheduled messages carry
// their availability time in a header; the consumer NAKs anything that
// arrives early back into the stream with the remaining delay.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dreadew/conveyor/broker"
)

const (
	// headerAvailableAt carries the RFC 3339 availability time for
	// delayed messages.
	headerAvailableAt = "Conveyor-Available-At"

	streamName    = "CONVEYOR"
	subjectPrefix = "conveyor.queue."

	fetchBatch   = 16
	fetchMaxWait = time.Second
)

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithStream overrides the JetStream stream name.
func WithStream(name string) Option {
	return func(b *Broker) { b.stream = name }
}

// Broker implements broker.Broker backed by NATS JetStream.
type Broker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	logger *slog.Logger
}

// New creates a JetStream-backed broker on an established connection and
// ensures the work-queue stream exists. The caller owns the connection
// lifecycle.
func New(nc *nats.Conn, opts ...Option) (*Broker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &Broker{
		nc:     nc,
		js:     js,
		stream: streamName,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}

	if err := b.ensureStream(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureStream() error {
	_, err := b.js.StreamInfo(b.stream)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("stream info %q: %w", b.stream, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      b.stream,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", b.stream, err)
	}
	return nil
}

func subject(queue string) string { return subjectPrefix + queue }

func durable(queue string) string { return "conveyor-" + queue }

// Publish enqueues a message. A future availableAt is encoded in a
// header and enforced consumer-side.
func (b *Broker) Publish(ctx context.Context, msg broker.Message, availableAt time.Time) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	m := &nats.Msg{
		Subject: subject(msg.Queue),
		Data:    raw,
		Header:  nats.Header{},
	}
	if availableAt.After(time.Now()) {
		m.Header.Set(headerAvailableAt, availableAt.UTC().Format(time.RFC3339Nano))
	}

	if _, err := b.js.PublishMsg(m, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish message %s: %w", msg.ID, err)
	}
	return nil
}

// Consume returns a delivery channel for the queue, fed by a durable
// pull subscription. The feeding goroutine stops and closes the channel
// when ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan *broker.Delivery, error) {
	sub, err := b.js.PullSubscribe(subject(queue), durable(queue), nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("subscribe queue %q: %w", queue, err)
	}

	ch := make(chan *broker.Delivery)
	go b.consumeLoop(ctx, sub, queue, ch)
	return ch, nil
}

func (b *Broker) consumeLoop(ctx context.Context, sub *nats.Subscription, queue string, ch chan<- *broker.Delivery) {
	defer close(ch)
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", "queue", queue, "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if err == nats.ErrTimeout || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("fetch failed", "queue", queue, "error", err)
			continue
		}

		for _, m := range msgs {
			d, ok := b.toDelivery(m)
			if !ok {
				continue
			}

			select {
			case <-ctx.Done():
				// Consumer went away before taking the delivery;
				// NAK so the server redelivers promptly.
				if err := m.Nak(); err != nil {
					b.logger.Warn("nak on shutdown failed", "queue", queue, "error", err)
				}
				return
			case ch <- d:
			}
		}
	}
}

// toDelivery converts a JetStream message, enforcing delayed visibility.
// Early arrivals are NAKed with the remaining delay and skipped.
func (b *Broker) toDelivery(m *nats.Msg) (*broker.Delivery, bool) {
	if v := m.Header.Get(headerAvailableAt); v != "" {
		availableAt, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			if remaining := time.Until(availableAt); remaining > 0 {
				if err := m.NakWithDelay(remaining); err != nil {
					b.logger.Warn("nak delayed message failed", "error", err)
				}
				return nil, false
			}
		}
	}

	var msg broker.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		// Undecodable entries would redeliver forever; terminate them.
		b.logger.Error("drop undecodable message", "error", err)
		if termErr := m.Term(); termErr != nil {
			b.logger.Warn("terminate message failed", "error", termErr)
		}
		return nil, false
	}

	return broker.NewDelivery(msg,
		func(context.Context) error {
			return m.Ack()
		},
		func(_ context.Context, delay time.Duration) error {
			if delay > 0 {
				return m.NakWithDelay(delay)
			}
			return m.Nak()
		},
	), true
}

// Ping verifies the NATS connection is alive by flushing the wire.
func (b *Broker) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats: not connected (status %s)", b.nc.Status())
	}
	return b.nc.FlushWithContext(ctx)
}

// Close is a no-op — the caller owns the NATS connection lifecycle.
func (b *Broker) Close() error { return nil }
