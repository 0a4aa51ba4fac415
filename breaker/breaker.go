// Package breaker implements a three-state circuit breaker for calls to
// external dependencies (databases, brokers, downstream services).
//
// A closed breaker passes calls through and counts consecutive failures.
// Once the failure threshold is reached the breaker opens and rejects
// calls immediately with [ErrOpen]. After the recovery timeout a single
// probe call is let through (half-open); success closes the breaker,
// failure re-opens it.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without executing it.
var ErrOpen = errors.New("breaker: circuit open")

// State is the current circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
)

// Classifier reports whether an error counts as a breaker failure.
// Errors it rejects (for example validation errors from the dependency)
// pass through without tripping the breaker.
type Classifier func(err error) bool

// Breaker is a single circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	classify         Classifier
	logger           *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures that
// opens the breaker. Default 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithRecoveryTimeout sets how long an open breaker waits before
// allowing a probe call. Default 30s.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recoveryTimeout = d
		}
	}
}

// WithClassifier sets the failure classifier. The default counts every
// non-nil error.
func WithClassifier(c Classifier) Option {
	return func(b *Breaker) {
		if c != nil {
			b.classify = c
		}
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a circuit breaker with the given name.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: defaultFailureThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
		classify:         func(err error) bool { return err != nil },
		logger:           slog.Default(),
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the breaker's current state, promoting open to half-open
// if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Do executes fn under breaker protection. If the breaker is open it
// returns ErrOpen without calling fn. Errors from fn are returned
// unmodified; whether they trip the breaker depends on the classifier.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn(ctx)
	b.after(err)
	return err
}

// before checks admission and transitions open -> half-open when the
// recovery timeout has elapsed.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if time.Since(b.lastFailureTime) < b.recoveryTimeout {
		return ErrOpen
	}

	b.state = StateHalfOpen
	b.logger.Info("circuit breaker half-open",
		slog.String("breaker", b.name),
	)
	return nil
}

// after records the call result.
func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.classify(err) {
		if b.state != StateClosed {
			b.logger.Info("circuit breaker closed",
				slog.String("breaker", b.name),
			)
		}
		b.state = StateClosed
		b.failureCount = 0
		return
	}

	b.failureCount++
	b.lastFailureTime = time.Now()

	if b.state == StateHalfOpen || b.failureCount >= b.failureThreshold {
		if b.state != StateOpen {
			b.logger.Warn("circuit breaker open",
				slog.String("breaker", b.name),
				slog.Int("failures", b.failureCount),
				slog.Int("threshold", b.failureThreshold),
			)
		}
		b.state = StateOpen
	}
}
