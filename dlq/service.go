package dlq

import (
	"context"
	"time"

	"github.com/dreadew/conveyor/broker"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store     Store
	repo      job.Repository
	publisher Publisher
}

// Publisher is the subset of the broker used by replay.
type Publisher interface {
	Publish(ctx context.Context, msg broker.Message, availableAt time.Time) error
}

// NewService creates a DLQ service. publisher may be nil when replay is
// not needed (inspection-only deployments).
func NewService(store Store, repo job.Repository, publisher Publisher) *Service {
	return &Service{store: store, repo: repo, publisher: publisher}
}

// Push builds a DLQ Entry from an abandoned job and persists it.
func (s *Service) Push(ctx context.Context, j *job.Job, cause job.Failure) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:          id.NewDLQID(),
		JobID:       j.ID,
		JobType:     j.Type,
		Queue:       j.Queue,
		Payload:     j.Payload,
		Failure:     cause,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		AbandonedAt: now,
		CreatedAt:   now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// DLQStore returns the underlying DLQ store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
