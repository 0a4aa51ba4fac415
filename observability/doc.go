// Package observability provides an OpenTelemetry-based metrics extension
// for Conveyor. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for job enqueue, start, success, retry, abandonment,
// and DLQ events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
