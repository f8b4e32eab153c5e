package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mitoshi/internal/model"
)

const runColumns = `id, as_of, trigger, status, report, error, started_at, completed_at`

func scanRun(row pgx.Row) (model.RefreshRun, error) {
	var r model.RefreshRun
	err := row.Scan(&r.ID, &r.AsOf, &r.Trigger, &r.Status, &r.Report, &r.Error, &r.StartedAt, &r.CompletedAt)
	return r, err
}

// CreateRefreshRun inserts a running refresh run.
func (db *DB) CreateRefreshRun(ctx context.Context, asOf time.Time, trigger string) (model.RefreshRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`INSERT INTO refresh_runs (id, as_of, trigger, status, started_at)
		 VALUES ($1, $2, $3, 'running', now())
		 RETURNING `+runColumns,
		uuid.New(), asOf, trigger,
	))
	if err != nil {
		return model.RefreshRun{}, fmt.Errorf("storage: create refresh run: %w", err)
	}
	return run, nil
}

// GetRefreshRun retrieves a run by ID.
func (db *DB) GetRefreshRun(ctx context.Context, id uuid.UUID) (model.RefreshRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM refresh_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RefreshRun{}, ErrNotFound
		}
		return model.RefreshRun{}, fmt.Errorf("storage: get refresh run: %w", err)
	}
	return run, nil
}

// CompleteRefreshRun finishes a running run with its report. errMsg is
// stored when non-empty. A run that is not running returns
// model.ErrStateConflict.
func (db *DB) CompleteRefreshRun(ctx context.Context, id uuid.UUID, status model.RunStatus, report model.RunReport, errMsg string) error {
	var errArg *string
	if errMsg != "" {
		errArg = &errMsg
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE refresh_runs SET status = $2, report = $3, error = $4, completed_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, string(status), report, errArg,
	)
	if err != nil {
		return fmt.Errorf("storage: complete refresh run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: refresh run %s is not running", model.ErrStateConflict, id)
	}
	if err := db.Notify(ctx, ChannelRuns, id.String()); err != nil {
		db.logger.Warn("storage: notify run completion", "run_id", id, "error", err)
	}
	return nil
}

// ListRefreshRuns returns runs newest first, with the total count.
func (db *DB) ListRefreshRuns(ctx context.Context, limit, offset int) ([]model.RefreshRun, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM refresh_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count refresh runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM refresh_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list refresh runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RefreshRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan refresh run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// FailAbandonedRuns marks runs still running after olderThan as failed.
// Called at startup: a run left running by a crashed process never
// completes on its own.
func (db *DB) FailAbandonedRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE refresh_runs SET status = 'failed', error = 'abandoned', completed_at = now()
		 WHERE status = 'running' AND started_at < now() - $1 * interval '1 microsecond'`,
		olderThan.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: fail abandoned runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
