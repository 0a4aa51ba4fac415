package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
)

// jobColumns is the canonical column list shared by every job query.
const jobColumns = `id, type, queue, payload, state, priority, attempts, max_attempts,
		last_error, result, worker_id,
		next_attempt_at, started_at, completed_at, heartbeat_at,
		timeout, created_at, updated_at`

// Create persists a new job in pending state.
func (r *Repository) Create(ctx context.Context, j *job.Job) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (
			id, type, queue, payload, state, priority, attempts, max_attempts,
			last_error, result, worker_id,
			next_attempt_at, started_at, completed_at, heartbeat_at,
			timeout, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18
		)`,
		j.ID.String(), j.Type, j.Queue, j.Payload, string(j.State),
		j.Priority, j.Attempts, j.MaxAttempts,
		j.LastError, j.Result, j.WorkerID.String(),
		j.NextAttemptAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		j.Timeout.Nanoseconds(), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conveyor/postgres: create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// Claim atomically transitions a due pending/retrying job to running on
// behalf of workerID. The guard lives in the WHERE clause: a redelivered
// message whose job was already claimed matches no row and reports
// ErrNotClaimable, so duplicate deliveries execute nothing.
func (r *Repository) Claim(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE conveyor_jobs
		SET state = 'running', worker_id = $2, started_at = NOW(),
		    heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND state IN ('pending', 'retrying')
		  AND next_attempt_at <= NOW()
		RETURNING `+jobColumns,
		jobID.String(), workerID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, r.claimRefused(ctx, jobID)
		}
		return nil, fmt.Errorf("conveyor/postgres: claim job: %w", err)
	}
	return j, nil
}

// claimRefused explains a claim whose guard matched no row. A claimable
// job whose next_attempt_at is still in the future (by the database
// clock, the same one the guard compares against) was delivered early
// and reports ErrJobNotDue so the pool requeues instead of discarding.
func (r *Repository) claimRefused(ctx context.Context, jobID id.JobID) error {
	var (
		state         string
		nextAttemptAt time.Time
		notDue        bool
	)
	err := r.pool.QueryRow(ctx, `
		SELECT state, next_attempt_at, next_attempt_at > NOW()
		FROM conveyor_jobs WHERE id = $1`,
		jobID.String(),
	).Scan(&state, &nextAttemptAt, &notDue)
	if err != nil {
		if isNoRows(err) {
			return conveyor.ErrJobNotFound
		}
		return fmt.Errorf("conveyor/postgres: claim job: %w", err)
	}
	if notDue && (state == string(job.StatePending) || state == string(job.StateRetrying)) {
		return &conveyor.NotDueError{NextAttemptAt: nextAttemptAt}
	}
	return conveyor.ErrNotClaimable
}

// MarkSucceeded completes a running job, consuming one attempt.
func (r *Repository) MarkSucceeded(ctx context.Context, jobID id.JobID, result []byte) error {
	return r.execGuarded(ctx, "mark succeeded", jobID, `
		UPDATE conveyor_jobs
		SET state = 'succeeded', attempts = attempts + 1, result = $2,
		    last_error = NULL, worker_id = '', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'running'`,
		jobID.String(), result,
	)
}

// MarkRetrying schedules a running job for another attempt, consuming one.
func (r *Repository) MarkRetrying(ctx context.Context, jobID id.JobID, nextAttemptAt time.Time, cause job.Failure) error {
	return r.execGuarded(ctx, "mark retrying", jobID, `
		UPDATE conveyor_jobs
		SET state = 'retrying', attempts = attempts + 1, last_error = $2,
		    next_attempt_at = $3, worker_id = '', started_at = NULL,
		    heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'running'`,
		jobID.String(), cause, nextAttemptAt.UTC(),
	)
}

// MarkAbandoned terminally fails a running job, consuming one attempt.
func (r *Repository) MarkAbandoned(ctx context.Context, jobID id.JobID, cause job.Failure) error {
	return r.execGuarded(ctx, "mark abandoned", jobID, `
		UPDATE conveyor_jobs
		SET state = 'abandoned', attempts = attempts + 1, last_error = $2,
		    worker_id = '', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'running'`,
		jobID.String(), cause,
	)
}

// Cancel abandons a pending or retrying job without consuming an attempt.
func (r *Repository) Cancel(ctx context.Context, jobID id.JobID) error {
	cause := job.Failure{Kind: job.KindCancelled, Message: "cancelled by request"}
	return r.execGuarded(ctx, "cancel job", jobID, `
		UPDATE conveyor_jobs
		SET state = 'abandoned', last_error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'retrying')`,
		jobID.String(), cause,
	)
}

// Requeue returns a running job to pending without consuming an attempt.
func (r *Repository) Requeue(ctx context.Context, jobID id.JobID) error {
	return r.execGuarded(ctx, "requeue job", jobID, `
		UPDATE conveyor_jobs
		SET state = 'pending', worker_id = '', started_at = NULL,
		    heartbeat_at = NULL, next_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'running'`,
		jobID.String(),
	)
}

// Heartbeat refreshes the heartbeat timestamp for a running job owned by
// workerID.
func (r *Repository) Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	return r.execGuarded(ctx, "heartbeat job", jobID, `
		UPDATE conveyor_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND state = 'running'`,
		jobID.String(), workerID.String(),
	)
}

// ReapStale atomically resets running jobs with heartbeats older than
// threshold back to pending and returns them for republishing.
func (r *Repository) ReapStale(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE conveyor_jobs
		SET state = 'pending', worker_id = '', started_at = NULL,
		    heartbeat_at = NULL, next_attempt_at = NOW(), updated_at = NOW()
		WHERE state = 'running'
		  AND (heartbeat_at IS NULL OR heartbeat_at < NOW() - $1::interval)
		RETURNING `+jobColumns,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: reap stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListByState returns jobs matching the given state, newest first.
func (r *Repository) ListByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conveyor_jobs WHERE state = $1`
	args := []any{string(state)}
	argIdx := 2

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs by state: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Count returns the number of jobs matching the given options.
func (r *Repository) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conveyor_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}
	return count, nil
}

// Delete removes a job by ID.
func (r *Repository) Delete(ctx context.Context, jobID id.JobID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM conveyor_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// execGuarded runs a conditional UPDATE whose WHERE clause encodes a
// state guard. An unmatched guard maps to ErrJobNotFound when the job is
// absent and ErrInvalidState when it exists in the wrong state.
func (r *Repository) execGuarded(ctx context.Context, op string, jobID id.JobID, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: %s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	exists, err := r.jobExists(ctx, jobID)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: %s: %w", op, err)
	}
	if !exists {
		return conveyor.ErrJobNotFound
	}
	return conveyor.ErrInvalidState
}

func (r *Repository) jobExists(ctx context.Context, jobID id.JobID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	return exists, err
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		stateStr  string
		workerStr string
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.Type, &j.Queue, &j.Payload, &stateStr,
		&j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &j.Result, &workerStr,
		&j.NextAttemptAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
		&timeoutNs, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)
	j.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
