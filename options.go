package conveyor

import (
	"context"
	"log/slog"
)

// Option configures a Service.
type Option func(*Service) error

// Repositorer is the minimal repository interface held by the Service.
// It covers lifecycle operations only. The full contract (job.Repository)
// is used in subsystem layers that don't create import cycles.
type Repositorer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// MessageBroker is the minimal broker interface held by the Service.
// Subsystem layers use the full broker.Broker contract.
type MessageBroker interface {
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Service is the central coordinator for job submission and execution.
//
// Create one with New() and functional options, then wire the
// subsystems with the engine package. The Service holds references to
// subsystem components via internal interfaces to avoid import cycles.
type Service struct {
	config Config
	logger *slog.Logger
	repo   Repositorer
	broker MessageBroker
	pool   poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Service with the given options.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Logger returns the service's logger.
func (s *Service) Logger() *slog.Logger { return s.logger }

// Repository returns the service's repository.
func (s *Service) Repository() Repositorer { return s.repo }

// Broker returns the service's broker.
func (s *Service) Broker() MessageBroker { return s.broker }

// Config returns a copy of the service's configuration.
func (s *Service) Config() Config { return s.config }

// SetPool sets the worker pool (called by the engine package).
func (s *Service) SetPool(p poolRunner) { s.pool = p }

// Start begins consuming and executing jobs.
func (s *Service) Start(ctx context.Context) error {
	if s.pool == nil {
		return ErrNotBuilt
	}
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop gracefully shuts down the service. In-flight jobs get until the
// context deadline to finish; after that they are cancelled and their
// messages returned to the broker.
func (s *Service) Stop(ctx context.Context) error {
	if s.pool != nil && s.started {
		if err := s.pool.Stop(ctx); err != nil {
			s.logger.Error("pool stop error", "error", err)
		}
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("broker close error", "error", err)
		}
	}
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// WithConcurrency sets the number of concurrent worker slots.
func WithConcurrency(n int) Option {
	return func(s *Service) error {
		s.config.Concurrency = n
		return nil
	}
}

// WithQueue sets the queue the service publishes to and consumes from.
func WithQueue(queue string) Option {
	return func(s *Service) error {
		s.config.Queue = queue
		return nil
	}
}

// WithMaxAttempts sets the default attempt budget for submitted jobs.
func WithMaxAttempts(n int) Option {
	return func(s *Service) error {
		s.config.MaxAttempts = n
		return nil
	}
}

// WithLogger sets the structured logger for the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = l
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(s *Service) error {
		s.config = cfg
		return nil
	}
}

// WithRepository sets the persistence backend for the service.
// The repository must implement Repositorer at minimum; typically it
// will also implement job.Repository and dlq.Store.
func WithRepository(r Repositorer) Option {
	return func(s *Service) error {
		s.repo = r
		return nil
	}
}

// WithBroker sets the message transport for the service.
// The broker must implement MessageBroker at minimum; typically it will
// be a broker.Broker.
func WithBroker(b MessageBroker) Option {
	return func(s *Service) error {
		s.broker = b
		return nil
	}
}
