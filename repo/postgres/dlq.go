package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/id"
)

// PushDLQ adds an abandoned job entry to the dead letter queue.
func (r *Repository) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conveyor_dlq (
			id, job_id, job_type, queue, payload, failure,
			attempts, max_attempts, abandoned_at, replayed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID.String(), entry.JobID.String(), entry.JobType,
		entry.Queue, entry.Payload, entry.Failure,
		entry.Attempts, entry.MaxAttempts,
		entry.AbandonedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest first.
func (r *Repository) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `
		SELECT
			id, job_id, job_type, queue, payload, failure,
			attempts, max_attempts, abandoned_at, replayed_at, created_at
		FROM conveyor_dlq
		WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}

	query += " ORDER BY abandoned_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (r *Repository) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT
			id, job_id, job_type, queue, payload, failure,
			attempts, max_attempts, abandoned_at, replayed_at, created_at
		FROM conveyor_dlq
		WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrDLQNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (r *Repository) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conveyor_dlq SET replayed_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: replay dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries abandoned before the given time.
// Returns the number of entries removed.
func (r *Repository) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM conveyor_dlq WHERE abandoned_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (r *Repository) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conveyor_dlq`).Scan(&count); err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count dlq: %w", err)
	}
	return count, nil
}

// scanDLQ scans a single DLQ entry row.
func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		e        dlq.Entry
		idStr    string
		jobIDStr string
	)
	err := row.Scan(
		&idStr, &jobIDStr, &e.JobType, &e.Queue, &e.Payload, &e.Failure,
		&e.Attempts, &e.MaxAttempts,
		&e.AbandonedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseDLQID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse dlq id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedJobID, jobParseErr := id.ParseJobID(jobIDStr)
	if jobParseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", jobIDStr, jobParseErr)
	}
	e.JobID = parsedJobID

	return &e, nil
}
