package dlq

import (
	"context"
	"time"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/broker"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
)

// Replay re-enqueues a DLQ entry as a new pending job, publishes it to
// the broker, and marks the entry as replayed. The new job gets a fresh
// ID, a zero attempt count, and runs immediately.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	j := &job.Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		Type:        entry.JobType,
		Queue:       entry.Queue,
		Payload:     entry.Payload,
		State:       job.StatePending,
		MaxAttempts: entry.MaxAttempts,
	}
	j.NextAttemptAt = j.CreatedAt

	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}

	if s.publisher != nil {
		msg := broker.NewMessage(j.ID, j.Type, j.Queue, j.Payload)
		if err := s.publisher.Publish(ctx, msg, time.Time{}); err != nil {
			return nil, err
		}
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The job is already enqueued. Return it alongside the error.
		return j, err
	}

	return j, nil
}
