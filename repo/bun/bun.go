// Package bunrepo implements job.Repository and dlq.Store on the Bun
// ORM. It is dialect-portable: use pgdialect with pgdriver for
// PostgreSQL deployments, or sqlitedialect with sqliteshim for embedded
// and test setups. All timestamps are bound from Go rather than
// database NOW() so both dialects behave identically.
//
// The caller owns the *bun.DB lifecycle — bunrepo never closes it:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	repo := bunrepo.New(db)
//	repo.Migrate(ctx)
package bunrepo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/job"
)

// Compile-time interface checks.
var (
	_ job.Repository = (*Repository)(nil)
	_ dlq.Store      = (*Repository)(nil)
)

// Repository is a Bun-backed job repository and DLQ store.
type Repository struct {
	db     *bun.DB
	logger *slog.Logger
}

// Option configures the Repository.
type Option func(*Repository)

// WithLogger sets the logger for the repository.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// New creates a new Bun repository. The caller owns the db lifecycle —
// the Repository will not close it on Close().
func New(db *bun.DB, opts ...Option) *Repository {
	r := &Repository{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DB returns the underlying *bun.DB for advanced usage.
func (r *Repository) DB() *bun.DB {
	return r.db
}

// Migrate creates the schema from the Bun models. Table and index
// creation is idempotent, so Migrate is safe to call on every start.
func (r *Repository) Migrate(ctx context.Context) error {
	models := []any{
		(*jobModel)(nil),
		(*dlqEntryModel)(nil),
	}
	for _, m := range models {
		if _, err := r.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("conveyor/bun: create table: %w", err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*jobModel)(nil), "idx_conveyor_jobs_claim", []string{"queue", "state", "next_attempt_at"}},
		{(*jobModel)(nil), "idx_conveyor_jobs_state", []string{"state", "queue"}},
		{(*jobModel)(nil), "idx_conveyor_jobs_heartbeat", []string{"heartbeat_at"}},
		{(*dlqEntryModel)(nil), "idx_conveyor_dlq_abandoned", []string{"abandoned_at"}},
		{(*dlqEntryModel)(nil), "idx_conveyor_dlq_job", []string{"job_id"}},
	}
	for _, idx := range indexes {
		_, err := r.db.NewCreateIndex().
			Model(idx.model).
			IfNotExists().
			Index(idx.name).
			Column(idx.columns...).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("conveyor/bun: create index %s: %w", idx.name, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (r *Repository) Close() error {
	return nil
}
