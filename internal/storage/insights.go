package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mitoshi/internal/model"
)

const insightColumns = `id, property, entity_type, entity_id, category, severity, confidence,
	title, description, metrics, window_days, source, status, linked_insight_id,
	generated_at, created_at, updated_at`

// statusOrderSQL ranks insight statuses so updates can refuse to move
// backward.
const statusOrderSQL = `CASE %s
	WHEN 'new' THEN 1 WHEN 'investigating' THEN 2 WHEN 'diagnosed' THEN 3
	WHEN 'actioned' THEN 4 WHEN 'resolved' THEN 5 ELSE 0 END`

func scanInsight(row pgx.Row) (model.Insight, error) {
	var in model.Insight
	err := row.Scan(
		&in.ID, &in.Property, &in.EntityType, &in.EntityID, &in.Category, &in.Severity, &in.Confidence,
		&in.Title, &in.Description, &in.Metrics, &in.WindowDays, &in.Source, &in.Status, &in.LinkedInsightID,
		&in.GeneratedAt, &in.CreatedAt, &in.UpdatedAt,
	)
	return in, err
}

// UpsertInsight stores a draft under its fingerprint. A new fingerprint
// inserts a row with status new. An existing one refreshes the detection
// fields (confidence, metrics, severity, text, generated_at) and keeps the
// workflow fields, so re-detection never resets status or the link.
// created reports whether a row was inserted.
func (db *DB) UpsertInsight(ctx context.Context, d model.InsightDraft) (in model.Insight, created bool, err error) {
	if err := model.ValidateInsightDraft(d); err != nil {
		return model.Insight{}, false, err
	}
	if d.GeneratedAt.IsZero() {
		d.GeneratedAt = time.Now().UTC()
	}

	err = WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		row := db.pool.QueryRow(ctx,
			`INSERT INTO insights (id, property, entity_type, entity_id, category, severity, severity_rank,
			     confidence, title, description, metrics, window_days, source, status, linked_insight_id,
			     generated_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'new', $14, $15, now(), now())
			 ON CONFLICT (id) DO UPDATE SET
			     severity      = EXCLUDED.severity,
			     severity_rank = EXCLUDED.severity_rank,
			     confidence    = EXCLUDED.confidence,
			     title         = EXCLUDED.title,
			     description   = EXCLUDED.description,
			     metrics       = EXCLUDED.metrics,
			     generated_at  = EXCLUDED.generated_at,
			     updated_at    = now()
			 RETURNING `+insightColumns+`, (xmax = 0)`,
			d.Fingerprint(), d.Property, string(d.EntityType), d.EntityID, string(d.Category),
			string(d.Severity), d.Severity.Rank(), d.Confidence, d.Title, d.Description, d.Metrics,
			d.WindowDays, d.Source, d.LinkedInsightID, d.GeneratedAt,
		)
		return row.Scan(
			&in.ID, &in.Property, &in.EntityType, &in.EntityID, &in.Category, &in.Severity, &in.Confidence,
			&in.Title, &in.Description, &in.Metrics, &in.WindowDays, &in.Source, &in.Status, &in.LinkedInsightID,
			&in.GeneratedAt, &in.CreatedAt, &in.UpdatedAt, &created,
		)
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Insight{}, false, fmt.Errorf("%w: linked insight does not exist", model.ErrValidation)
		}
		return model.Insight{}, false, fmt.Errorf("storage: upsert insight: %w", err)
	}
	return in, created, nil
}

// GetInsight returns one insight by fingerprint id.
func (db *DB) GetInsight(ctx context.Context, id string) (model.Insight, error) {
	in, err := scanInsight(db.pool.QueryRow(ctx,
		`SELECT `+insightColumns+` FROM insights WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Insight{}, ErrNotFound
		}
		return model.Insight{}, fmt.Errorf("storage: get insight: %w", err)
	}
	return in, nil
}

func buildInsightWhere(f model.InsightFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.Category != nil {
		w.add("category = ?", string(*f.Category))
	}
	if f.Severity != nil {
		w.add("severity = ?", string(*f.Severity))
	}
	if f.Status != nil {
		w.add("status = ?", string(*f.Status))
	}
	if f.Property != nil {
		w.add("property = ?", *f.Property)
	}
	if f.EntityType != nil {
		w.add("entity_type = ?", string(*f.EntityType))
	}
	if f.EntityID != nil {
		w.add("entity_id = ?", *f.EntityID)
	}
	if f.Source != nil {
		w.add("source = ?", *f.Source)
	}
	return w
}

// QueryInsights lists insights matching f, most severe first and newest
// first within a severity. It also returns the total match count.
func (db *DB) QueryInsights(ctx context.Context, f model.InsightFilter) ([]model.Insight, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset)
	w := buildInsightWhere(f)
	where := w.clause()

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM insights`+where, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count insights: %w", err)
	}

	page := w.page(limit, offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+insightColumns+` FROM insights`+where+
			` ORDER BY severity_rank DESC, generated_at DESC, id`+page,
		w.args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query insights: %w", err)
	}
	defer rows.Close()

	var out []model.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, total, rows.Err()
}

// OpenInsights returns every insight that is not resolved, optionally
// restricted to one category.
func (db *DB) OpenInsights(ctx context.Context, category *model.Category) ([]model.Insight, error) {
	w := &whereBuilder{}
	w.add("status <> ?", string(model.InsightResolved))
	if category != nil {
		w.add("category = ?", string(*category))
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+insightColumns+` FROM insights`+w.clause()+` ORDER BY severity_rank DESC, generated_at DESC, id`,
		w.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: open insights: %w", err)
	}
	defer rows.Close()

	var out []model.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdateInsightStatus moves an insight to status to. Moving backward returns
// model.ErrStateConflict.
func (db *DB) UpdateInsightStatus(ctx context.Context, id string, to model.InsightStatus) (model.Insight, error) {
	var out model.Insight
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var from model.InsightStatus
		if err := tx.QueryRow(ctx,
			`SELECT status FROM insights WHERE id = $1 FOR UPDATE`, id,
		).Scan(&from); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: lock insight: %w", err)
		}
		if err := model.CheckInsightTransition(from, to); err != nil {
			return err
		}
		in, err := scanInsight(tx.QueryRow(ctx,
			`UPDATE insights SET status = $2, updated_at = now() WHERE id = $1 RETURNING `+insightColumns,
			id, string(to)))
		if err != nil {
			return fmt.Errorf("storage: update insight status: %w", err)
		}
		out = in
		return nil
	})
	return out, err
}

// AdvanceInsightStatus moves an insight forward to status to, leaving it
// alone when it is already at or past to. It reports whether the row
// changed. Used by pipeline stages, which must never regress a status a
// human already moved further.
func (db *DB) AdvanceInsightStatus(ctx context.Context, id string, to model.InsightStatus) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown insight status %q", model.ErrValidation, to)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE insights SET status = $2, updated_at = now()
		 WHERE id = $1 AND `+fmt.Sprintf(statusOrderSQL, "status")+` < `+fmt.Sprintf(statusOrderSQL, "$2::text"),
		id, string(to),
	)
	if err != nil {
		return false, fmt.Errorf("storage: advance insight status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteInsight removes an insight. Diagnoses linked to it and its actions
// are removed by cascade.
func (db *DB) DeleteInsight(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM insights WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete insight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteResolvedInsightsBefore removes resolved insights last updated
// before cutoff. It returns the number removed.
func (db *DB) DeleteResolvedInsightsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM insights WHERE status = 'resolved' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete resolved insights: %w", err)
	}
	return tag.RowsAffected(), nil
}
