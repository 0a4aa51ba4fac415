// Package dlq provides the dead letter queue for abandoned jobs. It
// supports inspection, replay, and purging.
//
// When a failed attempt is classified as terminal, either because the
// attempt budget is exhausted or the failure kind is non-retryable, the
// worker pool calls [Service.Push] to record it. The original payload,
// the structured failure, and the attempt counts are preserved for
// debugging.
//
// # Entry
//
// An [Entry] captures:
//   - JobID / JobType / Queue: original job identity
//   - Payload: the raw JSON payload at time of failure
//   - Failure: the final structured failure (kind + message)
//   - Attempts / MaxAttempts: the exhausted attempt budget
//   - AbandonedAt: when the terminal failure occurred
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Service
//
// [Service] wraps the DLQ store with high-level operations:
//
//	svc := dlq.NewService(store, repo, brk)
//
//	// Push is called automatically by the worker pool on abandon.
//	svc.Push(ctx, abandonedJob, cause)
//
//	// Access the underlying store for list/get/purge/count.
//	svc.DLQStore().ListDLQ(ctx, dlq.ListOpts{Limit: 50})
//
// # Replay
//
// Replaying an entry creates a fresh pending job with the original type
// and payload, publishes it to the broker, and sets ReplayedAt on the
// entry.
package dlq
