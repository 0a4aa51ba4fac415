package breaker

import (
	"log/slog"
	"sync"
)

// Registry hands out one breaker per named dependency, creating them
// lazily with a shared set of options. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
	logger   *slog.Logger
}

// NewRegistry creates a breaker registry. The options are applied to
// every breaker it creates.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     append([]Option{WithLogger(logger)}, opts...),
		logger:   logger,
	}
}

// For returns the breaker for the given dependency name, creating it on
// first use.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.opts...)
		r.breakers[name] = b
		r.logger.Debug("circuit breaker created",
			slog.String("breaker", name),
		)
	}
	return b
}
