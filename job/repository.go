package job

import (
	"context"
	"time"

	"github.com/dreadew/conveyor/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Repository defines the persistence contract for jobs. It exclusively
// owns job lifecycle state; every state transition goes through one of
// the guarded methods below, and each guard is an atomic conditional
// update so that the store, not the caller, enforces mutual exclusion.
type Repository interface {
	// Create persists a new job in pending state.
	// Returns conveyor.ErrJobAlreadyExists on duplicate ID.
	Create(ctx context.Context, j *Job) error

	// Get retrieves a job by ID. Returns conveyor.ErrJobNotFound if absent.
	Get(ctx context.Context, jobID id.JobID) (*Job, error)

	// Claim atomically transitions the job from pending or retrying (with
	// NextAttemptAt due) to running on behalf of workerID, and returns the
	// claimed record. If the job is in any other state or already claimed
	// it returns conveyor.ErrNotClaimable: another worker owns the attempt
	// and the delivery should be discarded. A claimable job whose
	// NextAttemptAt is still in the future returns a
	// *conveyor.NotDueError instead; the delivery arrived early and must
	// be requeued until the job is due.
	Claim(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*Job, error)

	// MarkSucceeded transitions a running job to succeeded, increments the
	// attempt count, and persists the handler result. Returns
	// conveyor.ErrInvalidState if the job is not running.
	MarkSucceeded(ctx context.Context, jobID id.JobID, result []byte) error

	// MarkRetrying transitions a running job to retrying, increments the
	// attempt count, and records the failure and the next attempt time.
	// Returns conveyor.ErrInvalidState if the job is not running.
	MarkRetrying(ctx context.Context, jobID id.JobID, nextAttemptAt time.Time, cause Failure) error

	// MarkAbandoned transitions a running job to abandoned, increments the
	// attempt count, and records the final failure. Returns
	// conveyor.ErrInvalidState if the job is not running.
	MarkAbandoned(ctx context.Context, jobID id.JobID, cause Failure) error

	// Cancel transitions a pending or retrying job to abandoned with a
	// cancelled failure, without consuming an attempt. Returns
	// conveyor.ErrInvalidState if the job is running or terminal.
	Cancel(ctx context.Context, jobID id.JobID) error

	// Requeue returns a running job to pending without consuming an
	// attempt, clearing the worker claim. Used when an execution is
	// interrupted by shutdown and the message is nacked for redelivery.
	Requeue(ctx context.Context, jobID id.JobID) error

	// Heartbeat refreshes the heartbeat timestamp for a running job,
	// indicating the claiming worker is still alive.
	Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ReapStale atomically resets running jobs whose last heartbeat is
	// older than the threshold back to pending, and returns them so the
	// caller can republish. A stale heartbeat indicates a crashed worker.
	ReapStale(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// ListByState returns jobs matching the given state.
	ListByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// Count returns the number of jobs matching the given options.
	Count(ctx context.Context, opts CountOpts) (int64, error)

	// Delete removes a job by ID.
	Delete(ctx context.Context, jobID id.JobID) error
}
