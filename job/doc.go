// Package job defines the job entity, its lifecycle state machine, typed
// definitions, and the repository interface.
//
// # Job Entity
//
// A [Job] represents a unit of work. It embeds [conveyor.Entity] for
// timestamps, carries an opaque payload (JSON), and progresses through a
// state machine:
//
//	pending → running → succeeded
//	pending → running → retrying → pending → running → ...
//	pending → running → abandoned
//
// A failed execution attempt is classified and resolved to retrying or
// abandoned in one logical step; "failed" is never persisted.
//
// Fields of note:
//   - Queue: which broker queue the job is published to
//   - Priority: higher values are claimed first
//   - MaxAttempts / Attempts: the retry budget; Attempts is incremented
//     as part of each completion transition, so an attempt interrupted by
//     shutdown or a crash burns nothing
//   - NextAttemptAt: earliest time the job may be claimed
//   - Timeout: per-attempt execution deadline (zero = unlimited)
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at submit time and deserialized before the handler runs; the handler's
// return value is persisted as the job result:
//
//	var SendEmail = job.NewDefinition("send_email",
//	    func(ctx context.Context, input EmailInput) (any, error) {
//	        return nil, mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	)
//
// # Registry
//
// [Registry] maps job type tags to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, SendEmail)
//	job.RegisterDefinition(registry, GenerateReport)
//
// The engine package provides higher-level engine.Register and
// engine.Submit wrappers.
package job
