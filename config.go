package conveyor

import "time"

// Config holds configuration for the Service.
type Config struct {
	// Concurrency is the number of worker slots executing jobs in
	// parallel. Each slot processes one broker delivery at a time, so
	// this also bounds in-flight memory use.
	Concurrency int

	// Queue is the logical broker queue this service publishes to and
	// consumes from.
	Queue string

	// MaxAttempts is the default attempt budget for submitted jobs.
	// Individual jobs may override it at submission time.
	MaxAttempts int

	// JobTimeout is the default execution deadline per attempt.
	JobTimeout time.Duration

	// ShutdownGrace is how long in-flight executions may keep running
	// after a stop is requested before they are forcibly cancelled and
	// their messages returned to the broker.
	ShutdownGrace time.Duration

	// HeartbeatInterval is how often running jobs refresh their
	// heartbeat in the repository.
	HeartbeatInterval time.Duration

	// StaleAfter is how long a running job may go without a heartbeat
	// before the reaper resets it to pending so a broker redelivery can
	// reclaim it.
	StaleAfter time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queue:             "tasks",
		MaxAttempts:       3,
		JobTimeout:        5 * time.Minute,
		ShutdownGrace:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleAfter:        30 * time.Second,
	}
}
