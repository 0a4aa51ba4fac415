// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware and classifies the
// outcome, and a Pool that manages concurrent worker slots consuming
// deliveries from the broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dreadew/conveyor/job"
	"github.com/dreadew/conveyor/middleware"
)

// Outcome is the classified result of one job attempt. A nil Failure
// means the attempt succeeded.
type Outcome struct {
	// Result is the handler's serialized return value on success.
	Result []byte

	// Failure describes why the attempt failed, nil on success.
	Failure *job.Failure

	// Elapsed is the wall time spent executing the handler and
	// middleware chain.
	Elapsed time.Duration
}

// Executor runs a single claimed job through the middleware chain and
// the registered handler, and classifies the result. It never persists
// state; the pool owns all repository transitions.
type Executor struct {
	registry *job.Registry
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given registry and
// middleware chain.
func NewExecutor(registry *job.Registry, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	return &Executor{
		registry: registry,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs one attempt of the job. A job whose type has no
// registered handler fails with a validation failure without invoking
// the middleware chain.
func (e *Executor) Execute(ctx context.Context, j *job.Job) Outcome {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return Outcome{Failure: &job.Failure{
			Kind:    job.KindValidation,
			Message: fmt.Sprintf("no handler registered for job type %q", j.Type),
		}}
	}

	start := time.Now()

	terminal := func(ctx context.Context) ([]byte, error) {
		return handler(ctx, j.Payload)
	}

	result, err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return Outcome{Failure: classify(err), Elapsed: elapsed}
	}
	return Outcome{Result: result, Elapsed: elapsed}
}

// classify maps a handler error onto a failure kind. Malformed payloads
// are validation failures, deadline errors are timeouts, cancellation is
// its own kind, and everything else is a handler fault.
func classify(err error) *job.Failure {
	var malformed *job.MalformedPayloadError

	switch {
	case errors.As(err, &malformed):
		return &job.Failure{Kind: job.KindValidation, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &job.Failure{Kind: job.KindTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &job.Failure{Kind: job.KindCancelled, Message: err.Error()}
	default:
		return &job.Failure{Kind: job.KindHandlerFault, Message: err.Error()}
	}
}
