// Package broker defines the message transport contract used to hand
// jobs to workers.
//
// The broker promises at-least-once delivery: the same message may be
// delivered more than once, and delivery order is best-effort. It is a
// delivery mechanism only; job lifecycle state lives in the repository,
// whose claim guard is the sole source of exactly-once execution.
package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dreadew/conveyor/id"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("conveyor: broker closed")

// Message is the broker-side representation of a job to execute. The
// payload rides along so consumers that only need the bytes can skip a
// repository read, but the repository copy is the source of truth.
type Message struct {
	ID         id.MessageID `json:"id"`
	JobID      id.JobID     `json:"job_id"`
	Type       string       `json:"type"`
	Queue      string       `json:"queue"`
	Payload    []byte       `json:"payload,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// NewMessage builds a Message for the given job.
func NewMessage(jobID id.JobID, jobType, queue string, payload []byte) Message {
	return Message{
		ID:         id.NewMessageID(),
		JobID:      jobID,
		Type:       jobType,
		Queue:      queue,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Broker abstracts publish/consume against the underlying transport.
type Broker interface {
	// Publish enqueues a message that becomes visible to consumers no
	// earlier than availableAt. A zero availableAt means immediately.
	Publish(ctx context.Context, msg Message, availableAt time.Time) error

	// Consume returns a channel of deliveries for the given queue. The
	// channel is closed when ctx is cancelled or the broker is closed;
	// calling Consume again after that starts a fresh stream.
	Consume(ctx context.Context, queue string) (<-chan *Delivery, error)

	// Ping verifies connectivity to the transport.
	Ping(ctx context.Context) error

	// Close releases transport resources.
	Close() error
}

// Delivery is one delivered message together with its acknowledgment
// handle. Ack and Nack are idempotent: whichever is called first settles
// the delivery, and every later call on either is a no-op returning nil.
type Delivery struct {
	Message Message

	settled atomic.Bool
	ackFn   func(ctx context.Context) error
	nackFn  func(ctx context.Context, requeueDelay time.Duration) error
}

// NewDelivery wraps a message with transport-specific ack/nack callbacks.
// Intended for broker implementations; either callback may be nil.
func NewDelivery(msg Message, ack func(context.Context) error, nack func(context.Context, time.Duration) error) *Delivery {
	return &Delivery{Message: msg, ackFn: ack, nackFn: nack}
}

// Ack confirms the message was fully processed and removes it from the
// transport. No-op if the delivery is already settled.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if d.ackFn == nil {
		return nil
	}
	return d.ackFn(ctx)
}

// Nack returns the message to the transport for redelivery no earlier
// than requeueDelay from now. No-op if the delivery is already settled.
func (d *Delivery) Nack(ctx context.Context, requeueDelay time.Duration) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if d.nackFn == nil {
		return nil
	}
	return d.nackFn(ctx, requeueDelay)
}

// Settled reports whether Ack or Nack has already been called.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}
