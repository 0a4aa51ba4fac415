// Package memory is a fully in-memory implementation of job.Repository
// and dlq.Store. Safe for concurrent access. Intended for unit testing
// and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
)

// Compile-time interface checks.
var (
	_ job.Repository = (*Repository)(nil)
	_ dlq.Store      = (*Repository)(nil)
)

// Repository holds all records in process memory behind one mutex. Every
// guarded transition checks and mutates under the lock, which gives the
// same mutual-exclusion property a conditional UPDATE gives the SQL
// implementations.
type Repository struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
	dlqs map[string]*dlq.Entry
}

// New returns a new empty Repository.
func New() *Repository {
	return &Repository{
		jobs: make(map[string]*job.Job),
		dlqs: make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory repository.
func (m *Repository) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory repository.
func (m *Repository) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory repository.
func (m *Repository) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Repository
// ──────────────────────────────────────────────────

// Create persists a new job in pending state.
func (m *Repository) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// Get retrieves a job by ID.
func (m *Repository) Get(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// Claim atomically transitions a due pending/retrying job to running.
func (m *Repository) Claim(_ context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	if j.State != job.StatePending && j.State != job.StateRetrying {
		return nil, conveyor.ErrNotClaimable
	}
	now := time.Now().UTC()
	if j.NextAttemptAt.After(now) {
		return nil, &conveyor.NotDueError{NextAttemptAt: j.NextAttemptAt}
	}

	j.State = job.StateRunning
	j.WorkerID = workerID
	n := now
	j.StartedAt = &n
	h := now
	j.HeartbeatAt = &h
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// MarkSucceeded completes a running job, consuming one attempt.
func (m *Repository) MarkSucceeded(_ context.Context, jobID id.JobID, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != job.StateRunning {
		return conveyor.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateSucceeded
	j.Attempts++
	j.Result = result
	j.LastError = nil
	j.WorkerID = id.Nil
	n := now
	j.CompletedAt = &n
	j.UpdatedAt = now
	return nil
}

// MarkRetrying schedules a running job for another attempt.
func (m *Repository) MarkRetrying(_ context.Context, jobID id.JobID, nextAttemptAt time.Time, cause job.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != job.StateRunning {
		return conveyor.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateRetrying
	j.Attempts++
	j.LastError = &cause
	j.NextAttemptAt = nextAttemptAt.UTC()
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = now
	return nil
}

// MarkAbandoned terminally fails a running job, consuming one attempt.
func (m *Repository) MarkAbandoned(_ context.Context, jobID id.JobID, cause job.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != job.StateRunning {
		return conveyor.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateAbandoned
	j.Attempts++
	j.LastError = &cause
	j.WorkerID = id.Nil
	n := now
	j.CompletedAt = &n
	j.UpdatedAt = now
	return nil
}

// Cancel abandons a pending or retrying job without consuming an attempt.
func (m *Repository) Cancel(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != job.StatePending && j.State != job.StateRetrying {
		return conveyor.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateAbandoned
	j.LastError = &job.Failure{Kind: job.KindCancelled, Message: "cancelled by request"}
	n := now
	j.CompletedAt = &n
	j.UpdatedAt = now
	return nil
}

// Requeue returns a running job to pending without consuming an attempt.
func (m *Repository) Requeue(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != job.StateRunning {
		return conveyor.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StatePending
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.NextAttemptAt = now
	j.UpdatedAt = now
	return nil
}

// Heartbeat refreshes the heartbeat timestamp for a running job owned by
// workerID.
func (m *Repository) Heartbeat(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != job.StateRunning || j.WorkerID != workerID {
		return conveyor.ErrInvalidState
	}

	now := time.Now().UTC()
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	return nil
}

// ReapStale resets running jobs with heartbeats older than threshold
// back to pending and returns them.
func (m *Repository) ReapStale(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var reaped []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.After(cutoff) {
			continue
		}

		j.State = job.StatePending
		j.WorkerID = id.Nil
		j.StartedAt = nil
		j.HeartbeatAt = nil
		j.NextAttemptAt = now
		j.UpdatedAt = now

		cp := *j
		reaped = append(reaped, &cp)
	}
	return reaped, nil
}

// ListByState returns jobs matching the given state, newest first.
func (m *Repository) ListByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*job.Job
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		cp := *j
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Count returns the number of jobs matching the given options.
func (m *Repository) Count(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// Delete removes a job by ID.
func (m *Repository) Delete(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds an abandoned job entry to the dead letter queue.
func (m *Repository) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest first.
func (m *Repository) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*dlq.Entry
	for _, e := range m.dlqs {
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].AbandonedAt.After(matched[k].AbandonedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Repository) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, conveyor.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Repository) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return conveyor.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes DLQ entries abandoned before the given time.
func (m *Repository) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, e := range m.dlqs {
		if e.AbandonedAt.Before(before) {
			delete(m.dlqs, key)
			removed++
		}
	}
	return removed, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (m *Repository) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dlqs)), nil
}
