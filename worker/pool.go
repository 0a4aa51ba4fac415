package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	conveyor "github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/broker"
	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/ext"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
	"github.com/dreadew/conveyor/retry"
)

// busyRequeueDelay is how long a delivery waits before redelivery when
// the local pool cannot take it (rate limited or claim error).
const busyRequeueDelay = time.Second

// QueueManager controls per-queue rate limiting and concurrency. The
// pool calls Acquire before claiming a dequeued job and Release after
// the attempt settles.
type QueueManager interface {
	// Acquire reports whether a job from the queue may proceed.
	Acquire(queue string) bool
	// Release decrements the active count for the queue.
	Release(queue string)
}

// Pool manages a fixed set of worker slots that consume deliveries from
// the broker, claim the referenced jobs, execute them, and apply the
// retry policy to failures. The repository is the source of truth for
// job state; the broker only signals availability.
type Pool struct {
	repo       job.Repository
	brk        broker.Broker
	executor   *Executor
	policy     *retry.Policy
	extensions *ext.Registry
	logger     *slog.Logger

	concurrency int
	queue       string
	workerID    id.WorkerID

	// Optional collaborators.
	dlqService   *dlq.Service
	queueManager QueueManager

	// Heartbeat / reaper configuration.
	heartbeatInterval time.Duration
	staleAfter        time.Duration

	stopCh        chan struct{}
	stopped       atomic.Bool
	consumeCancel context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
	activeJobs    map[string]context.CancelFunc
	activeMu      sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker slots.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPoolQueue sets the queue the pool consumes.
func WithPoolQueue(queue string) PoolOption {
	return func(p *Pool) {
		if queue != "" {
			p.queue = queue
		}
	}
}

// WithDLQ sets the dead letter service abandoned jobs are recorded in.
func WithDLQ(svc *dlq.Service) PoolOption {
	return func(p *Pool) { p.dlqService = svc }
}

// WithQueueManager sets the queue manager for rate limiting and
// per-queue concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithHeartbeatInterval sets how often the pool refreshes heartbeats
// for active jobs. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleAfter sets the threshold after which running jobs without a
// heartbeat are reset to pending and republished. A zero value disables
// the reaper.
func WithStaleAfter(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleAfter = d }
}

// NewPool creates a worker pool.
func NewPool(
	repo job.Repository,
	brk broker.Broker,
	executor *Executor,
	policy *retry.Policy,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		repo:        repo,
		brk:         brk,
		executor:    executor,
		policy:      policy,
		extensions:  extensions,
		logger:      logger,
		concurrency: 10,
		queue:       "tasks",
		workerID:    id.NewWorkerID(),
		stopCh:      make(chan struct{}),
		activeJobs:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start subscribes to the queue and launches the worker slots. It
// returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	ch, err := p.brk.Consume(consumeCtx, p.queue)
	if err != nil {
		cancel()
		return err
	}
	p.consumeCancel = cancel
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.String("queue", p.queue),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.slot(ch)
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	if p.staleAfter > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all slots to stop and waits for in-flight jobs to
// finish. When the context deadline expires before they do, active jobs
// are cancelled; the interrupted jobs are requeued without consuming an
// attempt.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	p.stopped.Store(true)
	close(p.stopCh)
	p.consumeCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		<-done
	}

	p.extensions.EmitShutdown(context.Background())
	return nil
}

// CancelActive cancels the execution context of a running job owned by
// this pool. It reports whether the job was active.
func (p *Pool) CancelActive(jobID id.JobID) bool {
	p.activeMu.Lock()
	cancel, ok := p.activeJobs[jobID.String()]
	p.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// stopping reports whether shutdown has begun.
func (p *Pool) stopping() bool { return p.stopped.Load() }

// slot is run by each worker goroutine. A crashed slot restarts itself
// unless the pool is stopping.
func (p *Pool) slot(ch <-chan *broker.Delivery) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker slot crashed",
				slog.String("worker_id", p.workerID.String()),
				slog.Any("panic", r),
			)
			if !p.stopping() {
				p.wg.Add(1)
				go p.slot(ch)
			}
		}
	}()

	for {
		select {
		case <-p.stopCh:
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			p.process(d)
		}
	}
}

// process handles one delivery: claim, execute, settle.
func (p *Pool) process(d *broker.Delivery) {
	ctx := context.Background()
	msg := d.Message

	if p.queueManager != nil {
		if !p.queueManager.Acquire(msg.Queue) {
			if err := d.Nack(ctx, busyRequeueDelay); err != nil {
				p.logger.Warn("nack of rate-limited delivery failed",
					slog.String("job_id", msg.JobID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		defer p.queueManager.Release(msg.Queue)
	}

	j, err := p.repo.Claim(ctx, msg.JobID, p.workerID)
	var notDue *conveyor.NotDueError
	switch {
	case errors.As(err, &notDue):
		// Delivered ahead of NextAttemptAt; requeue until due instead of
		// consuming the only copy of the message.
		delay := time.Until(notDue.NextAttemptAt)
		if delay < busyRequeueDelay {
			delay = busyRequeueDelay
		}
		if err := d.Nack(ctx, delay); err != nil {
			p.logger.Warn("nack of early delivery failed",
				slog.String("job_id", msg.JobID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	case errors.Is(err, conveyor.ErrNotClaimable):
		// Duplicate delivery or a job already settled elsewhere.
		_ = d.Ack(ctx)
		return
	case errors.Is(err, conveyor.ErrJobNotFound):
		p.logger.Warn("delivery references unknown job",
			slog.String("job_id", msg.JobID.String()),
			slog.String("queue", msg.Queue),
		)
		_ = d.Ack(ctx)
		return
	case err != nil:
		p.logger.Error("claim failed",
			slog.String("job_id", msg.JobID.String()),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(ctx, busyRequeueDelay)
		return
	}

	p.extensions.EmitJobStarted(ctx, j)

	execCtx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)

	outcome := p.executor.Execute(execCtx, j)

	p.untrackJob(j.ID.String())
	cancel()

	if outcome.Failure == nil {
		p.settleSuccess(ctx, d, j, outcome)
		return
	}
	p.settleFailure(ctx, d, j, *outcome.Failure)
}

// settleSuccess records the completed attempt and acknowledges the
// delivery.
func (p *Pool) settleSuccess(ctx context.Context, d *broker.Delivery, j *job.Job, outcome Outcome) {
	if err := p.repo.MarkSucceeded(ctx, j.ID, outcome.Result); err != nil {
		p.logger.Error("failed to mark job succeeded",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", err.Error()),
		)
	}
	_ = d.Ack(ctx)

	p.extensions.EmitJobSucceeded(ctx, j, outcome.Elapsed)

	p.logger.Info("job succeeded",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Duration("elapsed", outcome.Elapsed),
	)
}

// settleFailure applies the retry policy to a failed attempt. A job
// interrupted by shutdown is requeued without consuming an attempt.
func (p *Pool) settleFailure(ctx context.Context, d *broker.Delivery, j *job.Job, cause job.Failure) {
	if p.stopping() && cause.Kind == job.KindCancelled {
		if err := p.repo.Requeue(ctx, j.ID); err != nil {
			p.logger.Error("failed to requeue interrupted job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		_ = d.Nack(ctx, 0)
		p.logger.Info("requeued job interrupted by shutdown",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
		)
		return
	}

	decision := p.policy.Decide(j.Type, j.Attempts+1, j.MaxAttempts, cause.Kind)

	if decision.Retry {
		nextAttemptAt := time.Now().UTC().Add(decision.Delay)
		if err := p.repo.MarkRetrying(ctx, j.ID, nextAttemptAt, cause); err != nil {
			p.logger.Error("failed to mark job retrying",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		_ = d.Nack(ctx, decision.Delay)

		p.extensions.EmitJobRetrying(ctx, j, cause, nextAttemptAt)

		p.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Int("attempt", j.Attempts+1),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.String("kind", string(cause.Kind)),
			slog.Duration("delay", decision.Delay),
		)
		return
	}

	if err := p.repo.MarkAbandoned(ctx, j.ID, cause); err != nil {
		p.logger.Error("failed to mark job abandoned",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	_ = d.Ack(ctx)

	p.extensions.EmitJobAbandoned(ctx, j, cause)

	// Cancelled jobs were abandoned deliberately; they stay out of the DLQ.
	if p.dlqService != nil && cause.Kind != job.KindCancelled {
		if err := p.dlqService.Push(ctx, j, cause); err != nil {
			p.logger.Error("failed to push job to DLQ",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		} else {
			p.extensions.EmitJobDLQ(ctx, j, cause)
		}
	}

	p.logger.Warn("job abandoned",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempts", j.Attempts+1),
		slog.String("kind", string(cause.Kind)),
		slog.String("error", cause.Message),
	)
}

// heartbeatLoop periodically refreshes heartbeats for all active jobs.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]string, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		parsedID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}
		if err := p.repo.Heartbeat(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically resets running jobs whose heartbeat has
// expired and republishes them for immediate redelivery.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleJobs()
		}
	}
}

func (p *Pool) reapStaleJobs() {
	ctx := context.Background()

	stale, err := p.repo.ReapStale(ctx, p.staleAfter)
	if err != nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
		return
	}

	for _, j := range stale {
		msg := broker.NewMessage(j.ID, j.Type, j.Queue, j.Payload)
		if pubErr := p.brk.Publish(ctx, msg, time.Now().UTC()); pubErr != nil {
			p.logger.Error("reap: failed to republish stale job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", pubErr.Error()),
			)
			continue
		}
		p.logger.Info("reaped stale job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
		)
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
