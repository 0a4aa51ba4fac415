package job

import "time"

// Options configures per-job behavior such as the attempt budget, queue,
// and execution deadline.
type Options struct {
	// MaxAttempts is the attempt budget before the job is abandoned.
	MaxAttempts int

	// Queue is the broker queue this job should be published to.
	Queue string

	// Priority determines claim ordering. Higher values are claimed first.
	Priority int

	// Timeout is the maximum duration one attempt may run before being
	// cancelled.
	Timeout time.Duration

	// RunAt schedules the job for future execution. Zero means immediate.
	RunAt time.Time
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Queue:       "tasks",
		Priority:    0,
		Timeout:     5 * time.Minute,
	}
}

// Option is a functional option for configuring a job definition.
type Option func(*Options)

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithQueue sets the queue name for the job.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithPriority sets the job priority. Higher values are claimed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithTimeout sets the maximum execution duration per attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithDelay schedules the job for execution after the given delay.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.RunAt = time.Now().UTC().Add(d)
	}
}
