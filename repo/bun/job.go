package bunrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
)

// Create persists a new job in pending state.
func (r *Repository) Create(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := r.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conveyor/bun: create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := r.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// Claim atomically transitions a due pending/retrying job to running on
// behalf of workerID. The guard lives in the WHERE clause; a claim that
// matches no row lost the race or targets a missing job.
func (r *Repository) Claim(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	now := time.Now().UTC()
	res, err := r.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = 'running'").
		Set("worker_id = ?", workerID.String()).
		Set("started_at = ?", now).
		Set("heartbeat_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state IN ('pending', 'retrying')").
		Where("next_attempt_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: claim job: %w", err)
	}

	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return nil, r.claimRefused(ctx, jobID, now)
	}

	return r.Get(ctx, jobID)
}

// claimRefused explains a claim whose guard matched no row. A claimable
// job not yet due at the guard's reference time reports ErrJobNotDue so
// the pool requeues the delivery instead of discarding it.
func (r *Repository) claimRefused(ctx context.Context, jobID id.JobID, now time.Time) error {
	j, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	claimable := j.State == job.StatePending || j.State == job.StateRetrying
	if claimable && j.NextAttemptAt.After(now) {
		return &conveyor.NotDueError{NextAttemptAt: j.NextAttemptAt}
	}
	return conveyor.ErrNotClaimable
}

// MarkSucceeded completes a running job, consuming one attempt.
func (r *Repository) MarkSucceeded(ctx context.Context, jobID id.JobID, result []byte) error {
	now := time.Now().UTC()
	q := r.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = 'succeeded'").
		Set("attempts = attempts + 1").
		Set("result = ?", result).
		Set("last_error = NULL").
		Set("worker_id = ''").
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = 'running'")
	return r.execGuarded(ctx, "mark succeeded", jobID, q)
}

// MarkRetrying schedules a running job for another attempt, consuming one.
func (r *Repository) MarkRetrying(ctx context.Context, jobID id.JobID, nextAttemptAt time.Time, cause job.Failure) error {
	causeJSON, err := json.Marshal(cause)
	if err != nil {
		return fmt.Errorf("conveyor/bun: marshal failure: %w", err)
	}

	now := time.Now().UTC()
	q := r.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = 'retrying'").
		Set("attempts = attempts + 1").
		Set("last_error = ?", string(causeJSON)).
		Set("next_attempt_at = ?", nextAttemptAt.UTC()).
		Set("worker_id = ''").
		Set("started_at = NULL").
		Set("heartbeat_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = 'running'")
	return r.execGuarded(ctx, "mark retrying", jobID, q)
}

// MarkAbandoned terminally fails a running job, consuming one attempt.
func (r *Repository) MarkAbandoned(ctx context.Context, jobID id.JobID, cause job.Failure) error {
	causeJSON, err := json.Marshal(cause)
	if err != nil {
		return fmt.Errorf("conveyor/bun: marshal failure: %w", err)
	}

	now := time.Now().UTC()
	q := r.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = 'abandoned'").
		Set("attempts = attempts + 1").
		Set("last_error = ?", string(causeJSON)).
		Set("worker_id = ''").
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = 'running'")
	return r.execGuarded(ctx, "mark abandoned", jobID, q)
}

// Cancel abandons a pending or retrying job without consuming an attempt.
func (r *Repository) Cancel(ctx context.Context, jobID id.JobID) error {
	cause := job.Failure{Kind: job.KindCancelled, Message: "cancelled by request"}
	causeJSON, err := json.Marshal(cause)
	if err != nil {
		return fmt.Errorf("conveyor/bun: marshal failure: %w", err)
	}

	now := time.Now().UTC()
	q := r.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = 'abandoned'").
		Set("last_error = ?", string(causeJSON)).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state IN ('pending', 'retrying')")
	return r.execGuarded(ctx, "cancel job", jobID, q)
}

// Requeue returns a running job to pending without consuming an attempt.
func (r *Repository) Requeue(ctx context.Context, jobID id.JobID) error {
	now := time.Now().UTC()
	q := r.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = 'pending'").
		Set("worker_id = ''").
		Set("started_at = NULL").
		Set("heartbeat_at = NULL").
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = 'running'")
	return r.execGuarded(ctx, "requeue job", jobID, q)
}

// Heartbeat refreshes the heartbeat timestamp for a running job owned
// by workerID.
func (r *Repository) Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	now := time.Now().UTC()
	q := r.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("heartbeat_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("worker_id = ?", workerID.String()).
		Where("state = 'running'")
	return r.execGuarded(ctx, "heartbeat job", jobID, q)
}

// ReapStale resets running jobs with heartbeats older than threshold
// back to pending and returns them for republishing. Each reset is an
// individually guarded UPDATE, so a job that completes mid-reap is
// left alone.
func (r *Repository) ReapStale(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var models []jobModel
	err := r.db.NewSelect().Model(&models).
		Where("state = 'running'").
		Where("heartbeat_at IS NULL OR heartbeat_at < ?", cutoff).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: reap stale jobs: %w", err)
	}

	var reaped []*job.Job
	for i := range models {
		res, updErr := r.db.NewUpdate().
			Model((*jobModel)(nil)).
			Set("state = 'pending'").
			Set("worker_id = ''").
			Set("started_at = NULL").
			Set("heartbeat_at = NULL").
			Set("next_attempt_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", models[i].ID).
			Where("state = 'running'").
			Exec(ctx)
		if updErr != nil {
			return nil, fmt.Errorf("conveyor/bun: reap stale jobs: %w", updErr)
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			continue
		}

		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conveyor/bun: reap stale convert: %w", convErr)
		}
		j.State = job.StatePending
		j.WorkerID = id.Nil
		j.StartedAt = nil
		j.HeartbeatAt = nil
		j.NextAttemptAt = now
		reaped = append(reaped, j)
	}
	return reaped, nil
}

// ListByState returns jobs matching the given state, newest first.
func (r *Repository) ListByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := r.db.NewSelect().Model(&models).
		Where("state = ?", string(state))

	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}

	q = q.Order("created_at DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/bun: list jobs by state: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conveyor/bun: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Count returns the number of jobs matching the given options.
func (r *Repository) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := r.db.NewSelect().Model((*jobModel)(nil))

	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/bun: count jobs: %w", err)
	}
	return int64(count), nil
}

// Delete removes a job by ID.
func (r *Repository) Delete(ctx context.Context, jobID id.JobID) error {
	res, err := r.db.NewDelete().
		Model((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/bun: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// execGuarded runs a conditional UPDATE whose WHERE clause encodes a
// state guard. An unmatched guard maps to ErrJobNotFound when the job
// is absent and ErrInvalidState when it exists in the wrong state.
func (r *Repository) execGuarded(ctx context.Context, op string, jobID id.JobID, q *bun.UpdateQuery) error {
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/bun: %s: %w", op, err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return nil
	}

	exists, err := r.jobExists(ctx, jobID)
	if err != nil {
		return fmt.Errorf("conveyor/bun: %s: %w", op, err)
	}
	if !exists {
		return conveyor.ErrJobNotFound
	}
	return conveyor.ErrInvalidState
}

func (r *Repository) jobExists(ctx context.Context, jobID id.JobID) (bool, error) {
	return r.db.NewSelect().
		Model((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Exists(ctx)
}
