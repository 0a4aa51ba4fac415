package job

import (
	"time"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "running"
	// StateSucceeded means the job finished successfully. Terminal.
	StateSucceeded State = "succeeded"
	// StateFailed is the transient classification step between a failed
	// execution and its outcome. It is never persisted: a failed attempt
	// moves to retrying or abandoned in the same logical transition.
	StateFailed State = "failed"
	// StateRetrying means the job failed and is scheduled for another
	// attempt at NextAttemptAt.
	StateRetrying State = "retrying"
	// StateAbandoned means the job exhausted its attempt budget or hit a
	// non-retryable failure. Terminal.
	StateAbandoned State = "abandoned"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateAbandoned
}

// FailureKind classifies why a job attempt failed. The kind drives the
// retry policy: some kinds are retryable, others abandon immediately.
type FailureKind string

const (
	// KindTimeout means the attempt exceeded its execution deadline.
	KindTimeout FailureKind = "timeout"
	// KindHandlerFault means the handler returned an error or panicked.
	KindHandlerFault FailureKind = "handler_fault"
	// KindValidation means the payload was malformed or the job type has
	// no registered handler. Never retryable.
	KindValidation FailureKind = "validation"
	// KindCancelled means the job was cancelled by an explicit request.
	// Never retryable.
	KindCancelled FailureKind = "cancelled"
)

// Retryable reports whether the kind is eligible for retry under the
// default classification. Per-type overrides live in the retry package.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindValidation, KindCancelled:
		return false
	default:
		return true
	}
}

// Failure is the structured error description persisted on a job after a
// failed attempt.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Job represents a unit of work to be processed by a worker.
//
// The repository is the source of truth for a job's state; workers hold a
// transient copy for the duration of one attempt.
type Job struct {
	conveyor.Entity

	ID            id.JobID      `json:"id"`
	Type          string        `json:"type"`
	Queue         string        `json:"queue"`
	Payload       []byte        `json:"payload"`
	State         State         `json:"state"`
	Priority      int           `json:"priority"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	LastError     *Failure      `json:"last_error,omitempty"`
	Result        []byte        `json:"result,omitempty"`
	WorkerID      id.WorkerID   `json:"worker_id,omitempty"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	HeartbeatAt   *time.Time    `json:"heartbeat_at,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// New builds a pending job for the given type and payload.
func New(jobType string, payload []byte, opts Options) *Job {
	j := &Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		Type:        jobType,
		Queue:       opts.Queue,
		Payload:     payload,
		State:       StatePending,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout,
	}
	if !opts.RunAt.IsZero() {
		j.NextAttemptAt = opts.RunAt.UTC()
	} else {
		j.NextAttemptAt = j.CreatedAt
	}

	return j
}
