// Package ext defines the extension system for Conveyor.
// Extensions are notified of lifecycle events (job enqueued, succeeded,
// abandoned, etc.) and can react to them for logging, metrics, auditing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/dreadew/conveyor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is durably persisted and published.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker claims a job and begins executing.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobSucceeded is called after a job finishes successfully.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when an attempt fails and another is scheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, cause job.Failure, nextAttemptAt time.Time) error
}

// JobAbandoned is called when a job fails terminally.
type JobAbandoned interface {
	OnJobAbandoned(ctx context.Context, j *job.Job, cause job.Failure) error
}

// JobDLQ is called when an abandoned job is recorded in the dead letter
// queue.
type JobDLQ interface {
	OnJobDLQ(ctx context.Context, j *job.Job, cause job.Failure) error
}

// ──────────────────────────────────────────────────
// Process lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
