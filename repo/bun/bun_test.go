package bunrepo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
	bunrepo "github.com/dreadew/conveyor/repo/bun"
)

// setupRepo creates a migrated repository on a private in-memory SQLite
// database. A single connection keeps the database alive for the test.
func setupRepo(t *testing.T) *bunrepo.Repository {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	repo := bunrepo.New(db)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func newTestJob(t *testing.T, opts ...func(*job.Job)) *job.Job {
	t.Helper()

	j := job.New("send-email", []byte(`{"to":"a@example.com"}`), job.Options{
		Queue:       "tasks",
		MaxAttempts: 3,
	})
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func mustCreate(t *testing.T, repo *bunrepo.Repository, j *job.Job) {
	t.Helper()
	if err := repo.Create(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func mustClaim(t *testing.T, repo *bunrepo.Repository, jobID id.JobID, workerID id.WorkerID) *job.Job {
	t.Helper()
	claimed, err := repo.Claim(context.Background(), jobID, workerID)
	if err != nil {
		t.Fatalf("claim job: %v", err)
	}
	return claimed
}

func TestRepository_MigrateIdempotent(t *testing.T) {
	repo := setupRepo(t)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	j := newTestJob(t)
	mustCreate(t, repo, j)

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Type != "send-email" {
		t.Errorf("type = %q, want send-email", got.Type)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %q, want pending", got.State)
	}
	if string(got.Payload) != `{"to":"a@example.com"}` {
		t.Errorf("payload = %q", got.Payload)
	}
	if got.LastError != nil {
		t.Errorf("last error = %+v, want nil", got.LastError)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
}

func TestRepository_CreateDuplicate(t *testing.T) {
	repo := setupRepo(t)

	j := newTestJob(t)
	mustCreate(t, repo, j)

	if err := repo.Create(context.Background(), j); !errors.Is(err, conveyor.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := setupRepo(t)

	if _, err := repo.Get(context.Background(), id.NewJobID()); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRepository_Claim(t *testing.T) {
	repo := setupRepo(t)

	j := newTestJob(t)
	mustCreate(t, repo, j)

	worker := id.NewWorkerID()
	claimed := mustClaim(t, repo, j.ID, worker)

	if claimed.State != job.StateRunning {
		t.Errorf("state = %q, want running", claimed.State)
	}
	if claimed.WorkerID != worker {
		t.Errorf("worker id = %s, want %s", claimed.WorkerID, worker)
	}
	if claimed.StartedAt == nil || claimed.HeartbeatAt == nil {
		t.Error("expected started_at and heartbeat_at to be set")
	}
}

func TestRepository_ClaimTwiceNotClaimable(t *testing.T) {
	repo := setupRepo(t)

	j := newTestJob(t)
	mustCreate(t, repo, j)
	mustClaim(t, repo, j.ID, id.NewWorkerID())

	_, err := repo.Claim(context.Background(), j.ID, id.NewWorkerID())
	if !errors.Is(err, conveyor.ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable, got %v", err)
	}
}

func TestRepository_ClaimMissing(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.Claim(context.Background(), id.NewJobID(), id.NewWorkerID())
	if !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRepository_ClaimNotYetDue(t *testing.T) {
	repo := setupRepo(t)

	j := newTestJob(t, func(j *job.Job) {
		j.NextAttemptAt = time.Now().UTC().Add(time.Hour)
	})
	mustCreate(t, repo, j)

	_, err := repo.Claim(context.Background(), j.ID, id.NewWorkerID())
	if !errors.Is(err, conveyor.ErrJobNotDue) {
		t.Fatalf("expected ErrJobNotDue, got %v", err)
	}
	var notDue *conveyor.NotDueError
	if !errors.As(err, &notDue) {
		t.Fatalf("claim error %T does not carry the due time", err)
	}
	if !notDue.NextAttemptAt.After(time.Now().UTC()) {
		t.Errorf("NextAttemptAt = %v, want a future time", notDue.NextAttemptAt)
	}
}

func TestRepository_MarkSucceeded(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	j := newTestJob(t)
	mustCreate(t, repo, j)
	mustClaim(t, repo, j.ID, id.NewWorkerID())

	if err := repo.MarkSucceeded(ctx, j.ID, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateSucceeded {
		t.Errorf("state = %q, want succeeded", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("result = %q", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if !got.WorkerID.IsNil() {
		t.Errorf("worker id = %s, want cleared", got.WorkerID)
	}
}

func TestRepository_MarkSucceededRequiresRunning(t *testing.T) {
	repo := setupRepo(t)

	j := newTestJob(t)
	mustCreate(t, repo, j)

	err := repo.MarkSucceeded(context.Background(), j.ID, nil)
	if !errors.Is(err, conveyor.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRepository_MarkRetrying(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	j := newTestJob(t)
	mustCreate(t, repo, j)
	mustClaim(t, repo, j.ID, id.NewWorkerID())

	next := time.Now().UTC().Add(30 * time.Second)
	cause := job.Failure{Kind: job.KindTimeout, Message: "deadline exceeded"}
	if err := repo.MarkRetrying(ctx, j.ID, next, cause); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateRetrying {
		t.Errorf("state = %q, want retrying", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == nil || got.LastError.Kind != job.KindTimeout {
		t.Errorf("last error = %+v, want timeout", got.LastError)
	}
	if got.NextAttemptAt.Before(next.Add(-time.Second)) {
		t.Errorf("next attempt at = %v, want ~%v", got.NextAttemptAt, next)
	}
	if got.StartedAt != nil || got.HeartbeatAt != nil {
		t.Error("expected started_at and heartbeat_at to be cleared")
	}
}

func TestRepository_MarkAbandoned(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	j := newTestJob(t)
	mustCreate(t, repo, j)
	mustClaim(t, repo, j.ID, id.NewWorkerID())

	cause := job.Failure{Kind: job.KindValidation, Message: "no handler registered"}
	if err := repo.MarkAbandoned(ctx, j.ID, cause); err != nil {
		t.Fatalf("mark abandoned: %v", err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateAbandoned {
		t.Errorf("state = %q, want abandoned", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == nil || got.LastError.Kind != job.KindValidation {
		t.Errorf("last error = %+v, want validation", got.LastError)
	}
}

func TestRepository_CancelPending(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	j := newTestJob(t)
	mustCreate(t, repo, j)

	if err := repo.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateAbandoned {
		t.Errorf("state = %q, want abandoned", got.State)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
	if got.LastError == nil || got.LastError.Kind != job.KindCancelled {
		t.Errorf("last error = %+v, want cancelled", got.LastError)
	}
}

func TestRepository_CancelRunningFails(t *testing.T) {
	repo := setupRepo(t)

	j := newTestJob(t)
	mustCreate(t, repo, j)
	mustClaim(t, repo, j.ID, id.NewWorkerID())

	if err := repo.Cancel(context.Background(), j.ID); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRepository_Requeue(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	j := newTestJob(t)
	mustCreate(t, repo, j)
	mustClaim(t, repo, j.ID, id.NewWorkerID())

	if err := repo.Requeue(ctx, j.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %q, want pending", got.State)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (no attempt consumed)", got.Attempts)
	}
	if !got.WorkerID.IsNil() {
		t.Errorf("worker id = %s, want cleared", got.WorkerID)
	}

	// The requeued job is immediately claimable again.
	mustClaim(t, repo, j.ID, id.NewWorkerID())
}

func TestRepository_Heartbeat(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	j := newTestJob(t)
	mustCreate(t, repo, j)
	worker := id.NewWorkerID()
	mustClaim(t, repo, j.ID, worker)

	if err := repo.Heartbeat(ctx, j.ID, worker); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// A different worker does not own the claim.
	if err := repo.Heartbeat(ctx, j.ID, id.NewWorkerID()); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for foreign worker, got %v", err)
	}
}

func TestRepository_ReapStale(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	stale := newTestJob(t)
	mustCreate(t, repo, stale)
	mustClaim(t, repo, stale.ID, id.NewWorkerID())

	fresh := newTestJob(t)
	mustCreate(t, repo, fresh)
	worker := id.NewWorkerID()
	mustClaim(t, repo, fresh.ID, worker)

	// Age the stale job's heartbeat past the threshold.
	time.Sleep(50 * time.Millisecond)
	if err := repo.Heartbeat(ctx, fresh.ID, worker); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	reaped, err := repo.ReapStale(ctx, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("reap stale: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("reaped %d jobs, want 1", len(reaped))
	}
	if reaped[0].ID != stale.ID {
		t.Errorf("reaped job = %s, want %s", reaped[0].ID, stale.ID)
	}

	got, err := repo.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("stale job state = %q, want pending", got.State)
	}

	gotFresh, err := repo.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotFresh.State != job.StateRunning {
		t.Errorf("fresh job state = %q, want running", gotFresh.State)
	}
}

func TestRepository_ListByStateAndCount(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for range 3 {
		mustCreate(t, repo, newTestJob(t))
	}
	other := newTestJob(t, func(j *job.Job) { j.Queue = "reports" })
	mustCreate(t, repo, other)

	pending, err := repo.ListByState(ctx, job.StatePending, job.ListOpts{})
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("pending = %d, want 4", len(pending))
	}

	scoped, err := repo.ListByState(ctx, job.StatePending, job.ListOpts{Queue: "reports"})
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(scoped) != 1 {
		t.Errorf("reports pending = %d, want 1", len(scoped))
	}

	limited, err := repo.ListByState(ctx, job.StatePending, job.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}

	count, err := repo.Count(ctx, job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	j := newTestJob(t)
	mustCreate(t, repo, j)

	if err := repo.Delete(ctx, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, j.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after delete, got %v", err)
	}
	if err := repo.Delete(ctx, j.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on second delete, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// DLQ Store tests
// ──────────────────────────────────────────────────

func newDLQEntry(queue string) *dlq.Entry {
	now := time.Now().UTC()
	return &dlq.Entry{
		ID:          id.NewDLQID(),
		JobID:       id.NewJobID(),
		JobType:     "send-email",
		Queue:       queue,
		Payload:     []byte(`{}`),
		Failure:     job.Failure{Kind: job.KindHandlerFault, Message: "boom"},
		Attempts:    3,
		MaxAttempts: 3,
		AbandonedAt: now,
		CreatedAt:   now,
	}
}

func TestRepository_DLQPushGetList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	e := newDLQEntry("tasks")
	if err := repo.PushDLQ(ctx, e); err != nil {
		t.Fatalf("push dlq: %v", err)
	}

	got, err := repo.GetDLQ(ctx, e.ID)
	if err != nil {
		t.Fatalf("get dlq: %v", err)
	}
	if got.JobID != e.JobID {
		t.Errorf("job id = %s, want %s", got.JobID, e.JobID)
	}
	if got.Failure.Kind != job.KindHandlerFault {
		t.Errorf("failure kind = %q, want handler_fault", got.Failure.Kind)
	}

	entries, err := repo.ListDLQ(ctx, dlq.ListOpts{Queue: "tasks"})
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestRepository_DLQReplay(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	e := newDLQEntry("tasks")
	if err := repo.PushDLQ(ctx, e); err != nil {
		t.Fatalf("push dlq: %v", err)
	}

	if err := repo.ReplayDLQ(ctx, e.ID); err != nil {
		t.Fatalf("replay dlq: %v", err)
	}

	got, err := repo.GetDLQ(ctx, e.ID)
	if err != nil {
		t.Fatalf("get dlq: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Error("expected replayed_at to be set")
	}

	if err := repo.ReplayDLQ(ctx, id.NewDLQID()); !errors.Is(err, conveyor.ErrDLQNotFound) {
		t.Fatalf("expected ErrDLQNotFound, got %v", err)
	}
}

func TestRepository_DLQPurgeAndCount(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	old := newDLQEntry("tasks")
	old.AbandonedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := repo.PushDLQ(ctx, old); err != nil {
		t.Fatalf("push dlq: %v", err)
	}
	if err := repo.PushDLQ(ctx, newDLQEntry("tasks")); err != nil {
		t.Fatalf("push dlq: %v", err)
	}

	removed, err := repo.PurgeDLQ(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge dlq: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	count, err := repo.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("count dlq: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
