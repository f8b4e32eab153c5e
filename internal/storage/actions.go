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

const actionColumns = `id, insight_id, property, action_type, category, title, description,
	priority_score, impact_score, effort_score, urgency, status, owner,
	assigned_at, started_at, completed_at, due_date, outcome,
	metrics_before, metrics_after, lift_pct, generated_at, created_at, updated_at`

func scanAction(row pgx.Row, extra ...any) (model.Action, error) {
	var a model.Action
	dest := []any{
		&a.ID, &a.InsightID, &a.Property, &a.ActionType, &a.Category, &a.Title, &a.Description,
		&a.PriorityScore, &a.ImpactScore, &a.EffortScore, &a.Urgency, &a.Status, &a.Owner,
		&a.AssignedAt, &a.StartedAt, &a.CompletedAt, &a.DueDate, &a.Outcome,
		&a.MetricsBefore, &a.MetricsAfter, &a.LiftPct, &a.GeneratedAt, &a.CreatedAt, &a.UpdatedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	return a, err
}

// UpsertDerivedAction stores a derived action, one per (insight, action
// type). Re-deriving refreshes the scores, text and baseline only while the
// action is still pending; once someone has picked it up the stored row
// wins. created reports whether a row was inserted.
func (db *DB) UpsertDerivedAction(ctx context.Context, d model.ActionDraft, now time.Time) (model.Action, bool, error) {
	if err := d.Validate(); err != nil {
		return model.Action{}, false, err
	}
	priority := model.ScorePriority(d.ImpactScore, d.EffortScore, d.Urgency)

	var (
		a       model.Action
		created bool
	)
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		a, err = scanAction(tx.QueryRow(ctx,
			`INSERT INTO actions (id, insight_id, property, action_type, category, title, description,
			     priority_score, impact_score, effort_score, urgency, status, due_date, outcome,
			     metrics_before, generated_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', $12, 'unknown', $13, $14, $14, $14)
			 ON CONFLICT (insight_id, action_type) DO UPDATE SET
			     title          = EXCLUDED.title,
			     description    = EXCLUDED.description,
			     priority_score = EXCLUDED.priority_score,
			     impact_score   = EXCLUDED.impact_score,
			     effort_score   = EXCLUDED.effort_score,
			     urgency        = EXCLUDED.urgency,
			     metrics_before = EXCLUDED.metrics_before,
			     generated_at   = EXCLUDED.generated_at,
			     updated_at     = EXCLUDED.updated_at
			 WHERE actions.status = 'pending'
			 RETURNING `+actionColumns+`, (xmax = 0)`,
			uuid.New(), d.InsightID, d.Property, d.ActionType, string(d.Category), d.Title, d.Description,
			priority, d.ImpactScore, d.EffortScore, string(d.Urgency), d.DueDate, d.MetricsBefore, now,
		), &created)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		// Conflict with a non-pending action: nothing changed, return it as is.
		created = false
		a, err = scanAction(tx.QueryRow(ctx,
			`SELECT `+actionColumns+` FROM actions WHERE insight_id = $1 AND action_type = $2`,
			d.InsightID, d.ActionType))
		return err
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Action{}, false, fmt.Errorf("%w: insight %s does not exist", model.ErrValidation, d.InsightID)
		}
		return model.Action{}, false, fmt.Errorf("storage: upsert action: %w", err)
	}
	return a, created, nil
}

// GetAction returns one action.
func (db *DB) GetAction(ctx context.Context, id uuid.UUID) (model.Action, error) {
	a, err := scanAction(db.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Action{}, ErrNotFound
		}
		return model.Action{}, fmt.Errorf("storage: get action: %w", err)
	}
	return a, nil
}

// ListActions lists actions matching f by priority, highest first, and
// returns the total match count.
func (db *DB) ListActions(ctx context.Context, f model.ActionFilter) ([]model.Action, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset)
	w := &whereBuilder{}
	if f.Property != nil {
		w.add("property = ?", *f.Property)
	}
	if f.InsightID != nil {
		w.add("insight_id = ?", *f.InsightID)
	}
	if f.Status != nil {
		w.add("status = ?", string(*f.Status))
	}
	where := w.clause()

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM actions`+where, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count actions: %w", err)
	}
	page := w.page(limit, offset)
	actions, err := db.queryActions(ctx,
		`SELECT `+actionColumns+` FROM actions`+where+` ORDER BY priority_score DESC, generated_at ASC, id`+page,
		w.args...)
	if err != nil {
		return nil, 0, err
	}
	return actions, total, nil
}

// TopPriorityActions returns the open work queue for a property: pending,
// in progress and blocked actions by priority descending, oldest first on
// ties. An empty property means all properties.
func (db *DB) TopPriorityActions(ctx context.Context, property string, limit int) ([]model.Action, error) {
	limit, _ = clampPage(limit, 0)
	w := &whereBuilder{}
	w.add("status = ANY(?)", []string{
		string(model.ActionPending), string(model.ActionInProgress), string(model.ActionBlocked),
	})
	if property != "" {
		w.add("property = ?", property)
	}
	page := w.page(limit, 0)
	return db.queryActions(ctx,
		`SELECT `+actionColumns+` FROM actions`+w.clause()+` ORDER BY priority_score DESC, generated_at ASC, id`+page,
		w.args...)
}

func (db *DB) queryActions(ctx context.Context, sql string, args ...any) ([]model.Action, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query actions: %w", err)
	}
	defer rows.Close()

	var out []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAction applies a partial update under a row lock. Lifecycle
// stamping and the priority recompute happen in model.ApplyActionUpdate
// before the write.
func (db *DB) UpdateAction(ctx context.Context, id uuid.UUID, u model.ActionUpdate, now time.Time) (model.Action, error) {
	var out model.Action
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanAction(tx.QueryRow(ctx,
			`SELECT `+actionColumns+` FROM actions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: lock action: %w", err)
		}
		next, err := model.ApplyActionUpdate(current, u, now)
		if err != nil {
			return err
		}
		out, err = writeAction(ctx, tx, next)
		return err
	})
	return out, err
}

// RecordActionOutcome stores the metrics measured after an action and
// classifies its outcome against metrics_before.
func (db *DB) RecordActionOutcome(ctx context.Context, id uuid.UUID, after map[string]float64, now time.Time) (model.Action, error) {
	var out model.Action
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanAction(tx.QueryRow(ctx,
			`SELECT `+actionColumns+` FROM actions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: lock action: %w", err)
		}
		if current.Status != model.ActionCompleted {
			return fmt.Errorf("%w: outcome can only be recorded for completed actions", model.ErrStateConflict)
		}
		current.MetricsAfter = after
		current.Outcome, current.LiftPct = model.ClassifyOutcome(current.MetricsBefore, after)
		current.UpdatedAt = now
		out, err = writeAction(ctx, tx, current)
		return err
	})
	return out, err
}

func writeAction(ctx context.Context, tx pgx.Tx, a model.Action) (model.Action, error) {
	out, err := scanAction(tx.QueryRow(ctx,
		`UPDATE actions SET
		     priority_score = $2, impact_score = $3, effort_score = $4, urgency = $5, status = $6,
		     owner = $7, assigned_at = $8, started_at = $9, completed_at = $10, due_date = $11,
		     outcome = $12, metrics_after = $13, lift_pct = $14, updated_at = $15
		 WHERE id = $1
		 RETURNING `+actionColumns,
		a.ID, a.PriorityScore, a.ImpactScore, a.EffortScore, string(a.Urgency), string(a.Status),
		a.Owner, a.AssignedAt, a.StartedAt, a.CompletedAt, a.DueDate,
		string(a.Outcome), a.MetricsAfter, a.LiftPct, a.UpdatedAt,
	))
	if err != nil {
		return model.Action{}, fmt.Errorf("storage: write action: %w", err)
	}
	return out, nil
}

// CancelActions cancels every listed action that is not already completed
// or cancelled, returning how many changed.
func (db *DB) CancelActions(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE actions SET status = 'cancelled', updated_at = now()
		 WHERE id = ANY($1) AND status NOT IN ('completed', 'cancelled')`,
		ids,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cancel actions: %w", err)
	}
	return tag.RowsAffected(), nil
}
