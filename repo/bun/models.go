package bunrepo

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:conveyor_jobs"`

	ID            string       `bun:"id,pk"`
	Type          string       `bun:"type,notnull"`
	Queue         string       `bun:"queue,notnull,default:'tasks'"`
	Payload       []byte       `bun:"payload,type:bytea"`
	State         string       `bun:"state,notnull,default:'pending'"`
	Priority      int          `bun:"priority,notnull,default:0"`
	Attempts      int          `bun:"attempts,notnull,default:0"`
	MaxAttempts   int          `bun:"max_attempts,notnull,default:3"`
	LastError     *job.Failure `bun:"last_error,type:jsonb"`
	Result        []byte       `bun:"result,type:bytea"`
	WorkerID      string       `bun:"worker_id,notnull,default:''"`
	NextAttemptAt time.Time    `bun:"next_attempt_at,notnull,default:current_timestamp"`
	StartedAt     *time.Time   `bun:"started_at"`
	CompletedAt   *time.Time   `bun:"completed_at"`
	HeartbeatAt   *time.Time   `bun:"heartbeat_at"`
	Timeout       int64        `bun:"timeout,notnull,default:0"`
	CreatedAt     time.Time    `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time    `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:            j.ID.String(),
		Type:          j.Type,
		Queue:         j.Queue,
		Payload:       j.Payload,
		State:         string(j.State),
		Priority:      j.Priority,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		LastError:     j.LastError,
		Result:        j.Result,
		WorkerID:      j.WorkerID.String(),
		NextAttemptAt: j.NextAttemptAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		HeartbeatAt:   j.HeartbeatAt,
		Timeout:       j.Timeout.Nanoseconds(),
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            parsedID,
		Type:          m.Type,
		Queue:         m.Queue,
		Payload:       m.Payload,
		State:         job.State(m.State),
		Priority:      m.Priority,
		Attempts:      m.Attempts,
		MaxAttempts:   m.MaxAttempts,
		LastError:     m.LastError,
		Result:        m.Result,
		NextAttemptAt: m.NextAttemptAt,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		HeartbeatAt:   m.HeartbeatAt,
		Timeout:       time.Duration(m.Timeout),
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return j, nil
}

// ── DLQ entry model ───────────────────────────────────────────────

type dlqEntryModel struct {
	bun.BaseModel `bun:"table:conveyor_dlq"`

	ID          string      `bun:"id,pk"`
	JobID       string      `bun:"job_id,notnull"`
	JobType     string      `bun:"job_type,notnull"`
	Queue       string      `bun:"queue,notnull"`
	Payload     []byte      `bun:"payload,type:bytea"`
	Failure     job.Failure `bun:"failure,type:jsonb"`
	Attempts    int         `bun:"attempts,notnull,default:0"`
	MaxAttempts int         `bun:"max_attempts,notnull,default:3"`
	AbandonedAt time.Time   `bun:"abandoned_at,notnull"`
	ReplayedAt  *time.Time  `bun:"replayed_at"`
	CreatedAt   time.Time   `bun:"created_at,notnull,default:current_timestamp"`
}

func toDLQModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:          e.ID.String(),
		JobID:       e.JobID.String(),
		JobType:     e.JobType,
		Queue:       e.Queue,
		Payload:     e.Payload,
		Failure:     e.Failure,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		AbandonedAt: e.AbandonedAt,
		ReplayedAt:  e.ReplayedAt,
		CreatedAt:   e.CreatedAt,
	}
}

func fromDLQModel(m *dlqEntryModel) (*dlq.Entry, error) {
	parsedID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: parse dlq id %q: %w", m.ID, err)
	}

	parsedJobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: parse job id %q: %w", m.JobID, err)
	}

	return &dlq.Entry{
		ID:          parsedID,
		JobID:       parsedJobID,
		JobType:     m.JobType,
		Queue:       m.Queue,
		Payload:     m.Payload,
		Failure:     m.Failure,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		AbandonedAt: m.AbandonedAt,
		ReplayedAt:  m.ReplayedAt,
		CreatedAt:   m.CreatedAt,
	}, nil
}
