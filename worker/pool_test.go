package worker_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dreadew/conveyor/backoff"
	"github.com/dreadew/conveyor/broker"
	brokermem "github.com/dreadew/conveyor/broker/memory"
	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/ext"
	"github.com/dreadew/conveyor/job"
	"github.com/dreadew/conveyor/middleware"
	repomem "github.com/dreadew/conveyor/repo/memory"
	"github.com/dreadew/conveyor/retry"
	"github.com/dreadew/conveyor/worker"
)

type harness struct {
	pool       *worker.Pool
	repo       *repomem.Repository
	brk        *brokermem.Broker
	registry   *job.Registry
	extensions *ext.Registry
}

func setupTestPool(t *testing.T, opts ...worker.PoolOption) *harness {
	t.Helper()
	logger := slog.Default()
	repo := repomem.New()
	brk := brokermem.New()
	registry := job.NewRegistry()
	extensions := ext.NewRegistry(logger)

	policy := retry.NewPolicy(retry.WithStrategy(backoff.NewConstant(10 * time.Millisecond)))
	dlqSvc := dlq.NewService(repo, repo, brk)

	executor := worker.NewExecutor(registry, logger,
		middleware.Recover(logger),
		middleware.Timeout(logger),
	)

	allOpts := append([]worker.PoolOption{
		worker.WithPoolConcurrency(2),
		worker.WithPoolQueue("tasks"),
		worker.WithDLQ(dlqSvc),
	}, opts...)

	pool := worker.NewPool(repo, brk, executor, policy, extensions, logger, allOpts...)

	return &harness{
		pool:       pool,
		repo:       repo,
		brk:        brk,
		registry:   registry,
		extensions: extensions,
	}
}

// submit persists a pending job and publishes its message.
func (h *harness) submit(t *testing.T, jobType string, payload []byte, opts ...job.Option) *job.Job {
	t.Helper()
	jobOpts := job.DefaultOptions()
	for _, opt := range opts {
		opt(&jobOpts)
	}
	j := job.New(jobType, payload, jobOpts)
	if err := h.repo.Create(context.Background(), j); err != nil {
		t.Fatalf("create error: %v", err)
	}
	msg := broker.NewMessage(j.ID, j.Type, j.Queue, j.Payload)
	if err := h.brk.Publish(context.Background(), msg, j.NextAttemptAt); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	return j
}

func (h *harness) waitForState(t *testing.T, j *job.Job, want job.State) *job.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		got, err := h.repo.Get(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if got.State == want {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %q, last state %q", want, got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func TestPool_StartStop(t *testing.T) {
	h := setupTestPool(t)

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be a no-op.
	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	h.stop(t)

	// Double stop should be a no-op.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	h := setupTestPool(t)

	var seen atomic.Value
	job.RegisterDefinition(h.registry, job.NewDefinition("greet", func(_ context.Context, p struct{ Name string }) (any, error) {
		seen.Store(p.Name)
		return map[string]bool{"ok": true}, nil
	}))

	payload, _ := json.Marshal(struct{ Name string }{Name: "Alice"})
	j := h.submit(t, "greet", payload)

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer h.stop(t)

	got := h.waitForState(t, j, job.StateSucceeded)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if len(got.Result) == 0 {
		t.Error("expected a result payload")
	}
	if name, _ := seen.Load().(string); name != "Alice" {
		t.Errorf("handler payload name = %q, want %q", name, "Alice")
	}
}

func TestPool_EarlyDeliveryRequeuedUntilDue(t *testing.T) {
	h := setupTestPool(t)

	var runs atomic.Int32
	job.RegisterDefinition(h.registry, job.NewDefinition("deferred", func(context.Context, struct{}) (any, error) {
		runs.Add(1)
		return nil, nil
	}))

	// Persist a job due later, but publish its message visible now, the
	// way a producer with a fast clock would. The delivery must be
	// requeued until the claim guard passes, never discarded.
	jobOpts := job.DefaultOptions()
	job.WithDelay(300 * time.Millisecond)(&jobOpts)
	j := job.New("deferred", []byte(`{}`), jobOpts)
	if err := h.repo.Create(context.Background(), j); err != nil {
		t.Fatalf("create error: %v", err)
	}
	msg := broker.NewMessage(j.ID, j.Type, j.Queue, j.Payload)
	if err := h.brk.Publish(context.Background(), msg, time.Time{}); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer h.stop(t)

	got := h.waitForState(t, j, job.StateSucceeded)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if runs.Load() != 1 {
		t.Errorf("handler runs = %d, want 1", runs.Load())
	}
}

func TestPool_RetriesThenAbandons(t *testing.T) {
	h := setupTestPool(t)

	var executions atomic.Int64
	job.RegisterDefinition(h.registry, job.NewDefinition("flaky", func(_ context.Context, _ struct{}) (any, error) {
		executions.Add(1)
		return nil, context.DeadlineExceeded
	}))

	j := h.submit(t, "flaky", []byte(`{}`), job.WithMaxAttempts(2))

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer h.stop(t)

	got := h.waitForState(t, j, job.StateAbandoned)
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	if executions.Load() != 2 {
		t.Errorf("executions = %d, want 2", executions.Load())
	}
	if got.LastError == nil || got.LastError.Kind != job.KindTimeout {
		t.Errorf("last error = %+v, want timeout", got.LastError)
	}

	count, err := h.repo.CountDLQ(context.Background())
	if err != nil {
		t.Fatalf("count dlq error: %v", err)
	}
	if count != 1 {
		t.Errorf("dlq count = %d, want 1", count)
	}
}

func TestPool_UnknownTypeAbandonedWithoutRetry(t *testing.T) {
	h := setupTestPool(t)

	j := h.submit(t, "no-such-handler", []byte(`{}`), job.WithMaxAttempts(5))

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer h.stop(t)

	got := h.waitForState(t, j, job.StateAbandoned)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (validation failures never retry)", got.Attempts)
	}
	if got.LastError == nil || got.LastError.Kind != job.KindValidation {
		t.Errorf("last error = %+v, want validation", got.LastError)
	}
}

func TestPool_DuplicateDeliveryExecutesOnce(t *testing.T) {
	h := setupTestPool(t)

	var executions atomic.Int64
	job.RegisterDefinition(h.registry, job.NewDefinition("once", func(_ context.Context, _ struct{}) (any, error) {
		executions.Add(1)
		return nil, nil
	}))

	j := h.submit(t, "once", []byte(`{}`))

	// Publish the same message a second time to simulate at-least-once
	// delivery.
	dup := broker.NewMessage(j.ID, j.Type, j.Queue, j.Payload)
	if err := h.brk.Publish(context.Background(), dup, time.Now()); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer h.stop(t)

	got := h.waitForState(t, j, job.StateSucceeded)

	// Give the duplicate time to be consumed and discarded.
	time.Sleep(100 * time.Millisecond)

	if executions.Load() != 1 {
		t.Errorf("executions = %d, want 1", executions.Load())
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestPool_MalformedPayloadIsValidationFailure(t *testing.T) {
	h := setupTestPool(t)

	job.RegisterDefinition(h.registry, job.NewDefinition("strict", func(_ context.Context, _ struct{ N int }) (any, error) {
		return nil, nil
	}))

	j := h.submit(t, "strict", []byte(`{not json`), job.WithMaxAttempts(5))

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer h.stop(t)

	got := h.waitForState(t, j, job.StateAbandoned)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == nil || got.LastError.Kind != job.KindValidation {
		t.Errorf("last error = %+v, want validation", got.LastError)
	}
}

func TestPool_PanicIsHandlerFault(t *testing.T) {
	h := setupTestPool(t)

	job.RegisterDefinition(h.registry, job.NewDefinition("explode", func(_ context.Context, _ struct{}) (any, error) {
		panic("boom")
	}))

	j := h.submit(t, "explode", []byte(`{}`), job.WithMaxAttempts(1))

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer h.stop(t)

	got := h.waitForState(t, j, job.StateAbandoned)
	if got.LastError == nil || got.LastError.Kind != job.KindHandlerFault {
		t.Errorf("last error = %+v, want handler_fault", got.LastError)
	}
}

func TestPool_ExtensionHooksFire(t *testing.T) {
	h := setupTestPool(t)

	tracker := &trackingExt{}
	h.extensions.Register(tracker)

	job.RegisterDefinition(h.registry, job.NewDefinition("tracked", func(_ context.Context, _ struct{}) (any, error) {
		return nil, nil
	}))

	j := h.submit(t, "tracked", []byte(`{}`))

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer h.stop(t)

	h.waitForState(t, j, job.StateSucceeded)

	if !tracker.started.Load() {
		t.Error("expected OnJobStarted to fire")
	}
	if !tracker.succeeded.Load() {
		t.Error("expected OnJobSucceeded to fire")
	}
}

func TestPool_GracefulShutdownRequeuesInFlightJob(t *testing.T) {
	h := setupTestPool(t, worker.WithPoolConcurrency(1))

	started := make(chan struct{})
	job.RegisterDefinition(h.registry, job.NewDefinition("slow", func(ctx context.Context, _ struct{}) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	j := h.submit(t, "slow", []byte(`{}`))

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	<-started

	// Stop with an immediate deadline so the in-flight job is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := h.repo.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %q, want pending (requeued)", got.State)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (interrupted attempt burns nothing)", got.Attempts)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// trackingExt records which hooks fired.
type trackingExt struct {
	started   atomic.Bool
	succeeded atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.started.Store(true)
	return nil
}

func (e *trackingExt) OnJobSucceeded(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.succeeded.Store(true)
	return nil
}
