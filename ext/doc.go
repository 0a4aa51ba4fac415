// Package ext defines the extension system for Conveyor.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s succeeded in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobEnqueued] — job was persisted and published
//   - [JobStarted] — worker claimed the job and began executing
//   - [JobSucceeded] — job finished successfully
//   - [JobRetrying] — an attempt failed and another is scheduled
//   - [JobAbandoned] — job failed terminally
//   - [JobDLQ] — job was recorded in the dead letter queue
//
// # Other Hooks
//
//   - [Shutdown] — the service is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
