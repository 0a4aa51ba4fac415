// Package retry decides what happens after a failed job attempt: retry
// after a backoff delay, or abandon. The policy is a pure function of the
// attempt count, the attempt budget, and the failure kind; it performs no
// I/O and holds no per-job state.
package retry

import (
	"time"

	"github.com/dreadew/conveyor/backoff"
	"github.com/dreadew/conveyor/job"
)

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	// Retry is true when the job should be attempted again after Delay.
	Retry bool
	// Delay is how long to wait before the next attempt. Only meaningful
	// when Retry is true.
	Delay time.Duration
}

// RetryAfter builds a retry decision with the given delay.
func RetryAfter(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

// Abandon builds a terminal decision.
func Abandon() Decision {
	return Decision{}
}

// Classifier reports whether a failure kind is retryable for a given job
// type. It overrides the kind's default classification.
type Classifier func(kind job.FailureKind) bool

// Policy maps (attempt count, attempt budget, failure kind) to a
// Decision. Safe for concurrent use once built; register per-type
// classifiers before the worker pool starts.
type Policy struct {
	strategy    backoff.Strategy
	classifiers map[string]Classifier
}

// Option configures a Policy.
type Option func(*Policy)

// WithStrategy sets the backoff strategy used for retry delays.
func WithStrategy(s backoff.Strategy) Option {
	return func(p *Policy) {
		p.strategy = s
	}
}

// WithClassifier overrides failure classification for one job type.
func WithClassifier(jobType string, c Classifier) Option {
	return func(p *Policy) {
		p.classifiers[jobType] = c
	}
}

// NewPolicy builds a Policy. Without options it uses the default backoff
// strategy and the failure kinds' built-in classification.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		strategy:    backoff.DefaultStrategy(),
		classifiers: make(map[string]Classifier),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide evaluates a failed attempt. attempts is the attempt count after
// the failure (1 for a job that just failed its first execution); it is
// also the 1-indexed retry number fed to the backoff strategy, so the
// first retry waits the strategy's initial delay.
//
// Non-retryable kinds abandon regardless of remaining budget. An
// exhausted budget (attempts >= maxAttempts) abandons.
func (p *Policy) Decide(jobType string, attempts, maxAttempts int, kind job.FailureKind) Decision {
	retryable := kind.Retryable()
	if c, ok := p.classifiers[jobType]; ok {
		retryable = c(kind)
	}

	if !retryable {
		return Abandon()
	}
	if attempts >= maxAttempts {
		return Abandon()
	}

	return RetryAfter(p.strategy.Delay(attempts))
}
