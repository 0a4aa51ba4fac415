package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable). The handler's return
// value, if non-nil, is JSON-serialized and persisted as the job result.
type Definition[T any] struct {
	// Type is the unique tag identifying this job type.
	Type string

	// Handler is the function that processes the job payload.
	Handler func(ctx context.Context, payload T) (any, error)

	// Opts configures attempts, queue, priority, and timeout.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](jobType string, handler func(ctx context.Context, payload T) (any, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    jobType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
