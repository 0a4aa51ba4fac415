// Package conveyor provides a durable background job scheduling and
// execution service for Go. Producers submit jobs onto a message broker;
// a pool of workers consumes, executes, and reports the outcome of each
// job with retry, timeout, and failure-isolation semantics.
//
// Conveyor is designed as a library, not a framework. Import it, configure
// a repository and a broker, register handlers as ordinary Go functions,
// and start the service.
//
// # Quick Start
//
//	svc, err := conveyor.New(
//	    conveyor.WithRepository(pgRepo),
//	    conveyor.WithBroker(redisBroker),
//	    conveyor.WithConcurrency(20),
//	)
//
// # Architecture
//
// Job lifecycle state lives in a relational repository; the broker is only
// a delivery mechanism with an at-least-once contract. Exactly-once
// execution is enforced at the application layer by the repository's
// atomic claim guard, never by the broker.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
