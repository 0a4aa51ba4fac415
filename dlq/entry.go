package dlq

import (
	"time"

	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
)

// Entry represents a job that was abandoned, either by exhausting its
// attempt budget or through a non-retryable failure, and moved to the
// dead letter queue for inspection or replay.
type Entry struct {
	ID          id.DLQID    `json:"id"`
	JobID       id.JobID    `json:"job_id"`
	JobType     string      `json:"job_type"`
	Queue       string      `json:"queue"`
	Payload     []byte      `json:"payload"`
	Failure     job.Failure `json:"failure"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	AbandonedAt time.Time   `json:"abandoned_at"`
	ReplayedAt  *time.Time  `json:"replayed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
