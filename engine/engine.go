// Package engine wires all Conveyor subsystems together. It creates the
// extension registry, job registry, middleware chain, retry policy, and
// worker pool, and provides Register/Submit/Cancel operations.
//
// This package exists to break the import cycle: the root conveyor
// package defines Entity (imported by job and friends) and so cannot
// import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	conveyor "github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/backoff"
	"github.com/dreadew/conveyor/breaker"
	"github.com/dreadew/conveyor/broker"
	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/ext"
	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
	mw "github.com/dreadew/conveyor/middleware"
	"github.com/dreadew/conveyor/observability"
	"github.com/dreadew/conveyor/queue"
	"github.com/dreadew/conveyor/retry"
	"github.com/dreadew/conveyor/worker"
)

// Engine wraps a Service with typed subsystem access.
// Use Build() to create one from a Service.
type Engine struct {
	svc        *conveyor.Service
	extensions *ext.Registry
	registry   *job.Registry
	repo       job.Repository
	brk        broker.Broker
	dlqService *dlq.Service
	strategy   backoff.Strategy
	policy     *retry.Policy
	policyOpts []retry.Option
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	// Circuit breakers keyed by dependency; pubBreaker guards broker
	// publishes on the submit path.
	breakers    *breaker.Registry
	pubBreaker  *breaker.Breaker
	breakerOpts []breaker.Option

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.strategy = b
	}
}

// WithRetryClassifier overrides retryability per failure kind for one
// job type.
func WithRetryClassifier(jobType string, c retry.Classifier) Option {
	return func(eng *Engine) {
		eng.policyOpts = append(eng.policyOpts, retry.WithClassifier(jobType, c))
	}
}

// WithBreakerOption configures the circuit breaker that guards broker
// publishes on the submit path.
func WithBreakerOption(opts ...breaker.Option) Option {
	return func(eng *Engine) {
		eng.breakerOpts = append(eng.breakerOpts, opts...)
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Service. The Service's
// repository must implement job.Repository and dlq.Store, and its
// broker must implement broker.Broker.
func Build(svc *conveyor.Service, opts ...Option) (*Engine, error) {
	logger := svc.Logger()

	repo := svc.Repository()
	if repo == nil {
		return nil, conveyor.ErrNoRepository
	}
	brk := svc.Broker()
	if brk == nil {
		return nil, conveyor.ErrNoBroker
	}

	jr, ok := repo.(job.Repository)
	if !ok {
		return nil, fmt.Errorf("conveyor: repository does not implement job.Repository")
	}
	ds, ok := repo.(dlq.Store)
	if !ok {
		return nil, fmt.Errorf("conveyor: repository does not implement dlq.Store")
	}
	bb, ok := brk.(broker.Broker)
	if !ok {
		return nil, fmt.Errorf("conveyor: broker does not implement broker.Broker")
	}

	eng := &Engine{
		svc:        svc,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		repo:       jr,
		brk:        bb,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Default backoff strategy if none provided.
	if eng.strategy == nil {
		eng.strategy = backoff.DefaultStrategy()
	}
	policyOpts := append([]retry.Option{retry.WithStrategy(eng.strategy)}, eng.policyOpts...)
	eng.policy = retry.NewPolicy(policyOpts...)

	// Create the DLQ service with replay publishing.
	eng.dlqService = dlq.NewService(ds, jr, bb)

	// Broker publishes on the submit path go through a circuit breaker
	// so a dead broker fails fast instead of piling up timeouts.
	eng.breakers = breaker.NewRegistry(logger, eng.breakerOpts...)
	eng.pubBreaker = eng.breakers.For("broker-publish")

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/dreadew/conveyor")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/dreadew/conveyor")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/dreadew/conveyor/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Build default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// Create executor and pool.
	config := svc.Config()
	executor := worker.NewExecutor(eng.registry, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueue(config.Queue),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStaleAfter(config.StaleAfter),
		worker.WithDLQ(eng.dlqService),
	}

	// Create queue manager if queue configs were provided.
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(
		jr,
		bb,
		executor,
		eng.policy,
		eng.extensions,
		logger,
		poolOpts...,
	)

	// Wire back into the Service.
	svc.SetPool(eng.pool)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Submit creates, persists, and publishes a job with a typed payload.
func Submit[T any](ctx context.Context, eng *Engine, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", jobType, err)
	}
	return eng.SubmitRaw(ctx, jobType, data, opts...)
}

// SubmitRaw submits a job with a pre-serialized payload. The job is
// durably persisted before its message is published.
func (eng *Engine) SubmitRaw(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	config := eng.svc.Config()

	jobOpts := job.DefaultOptions()
	jobOpts.MaxAttempts = config.MaxAttempts
	jobOpts.Queue = config.Queue
	jobOpts.Timeout = config.JobTimeout
	for _, opt := range opts {
		opt(&jobOpts)
	}

	j := job.New(jobType, payload, jobOpts)

	if err := eng.repo.Create(ctx, j); err != nil {
		return nil, err
	}

	msg := broker.NewMessage(j.ID, j.Type, j.Queue, j.Payload)
	err := eng.pubBreaker.Do(ctx, func(ctx context.Context) error {
		return eng.brk.Publish(ctx, msg, j.NextAttemptAt)
	})
	if err != nil {
		// Unpublished rows are unreachable: nothing scans pending jobs,
		// so a row without a message would never execute. Undo the
		// persist so the caller's error means "not submitted".
		if delErr := eng.repo.Delete(ctx, j.ID); delErr != nil {
			eng.logger.Error("failed to delete unpublished job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, fmt.Errorf("publish job %s: %w", j.ID, err)
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	return j, nil
}

// Get returns the job with the given id.
func (eng *Engine) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.repo.Get(ctx, jobID)
}

// Cancel cancels a job. Pending and retrying jobs are abandoned without
// consuming an attempt. A running job owned by this process has its
// execution context cancelled; the attempt then settles as cancelled.
// Terminal jobs cannot be cancelled.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	err := eng.repo.Cancel(ctx, jobID)
	if err == nil {
		if j, getErr := eng.repo.Get(ctx, jobID); getErr == nil {
			cause := job.Failure{Kind: job.KindCancelled, Message: "cancelled by request"}
			eng.extensions.EmitJobAbandoned(ctx, j, cause)
		}
		return nil
	}

	if errors.Is(err, conveyor.ErrInvalidState) {
		// Not in a cancellable repository state; it may be running here.
		if eng.pool.CancelActive(jobID) {
			return nil
		}
	}
	return err
}

// Start begins job processing by starting the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.svc.Start(ctx)
}

// Stop gracefully shuts down the engine. In-flight jobs get the
// configured shutdown grace before they are cancelled and requeued.
func (eng *Engine) Stop(ctx context.Context) error {
	grace := eng.svc.Config().ShutdownGrace
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	return eng.svc.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Service returns the underlying Service.
func (eng *Engine) Service() *conveyor.Service { return eng.svc }

// DLQService returns the engine's DLQ service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// Repository returns the job repository.
func (eng *Engine) Repository() job.Repository { return eng.repo }

// PublishBreaker returns the circuit breaker guarding broker publishes.
func (eng *Engine) PublishBreaker() *breaker.Breaker { return eng.pubBreaker }

// Breakers returns the engine's circuit breaker registry.
func (eng *Engine) Breakers() *breaker.Registry { return eng.breakers }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// WorkerID returns the worker pool's identifier.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }
