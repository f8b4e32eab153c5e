package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// ReplaceUnifiedRows rewrites unified_daily for the range in one
// transaction: readers see either the previous rows or the new ones.
func (db *DB) ReplaceUnifiedRows(ctx context.Context, r FeedRange, in []model.UnifiedRow) error {
	rows := make([][]any, len(in))
	for i, u := range in {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("storage: marshal unified row: %w", err)
		}
		flags := u.QualityFlags
		if flags == nil {
			flags = []string{}
		}
		rows[i] = []any{
			u.Date, u.Property, string(u.EntityType), u.EntityID,
			u.Clicks, u.Impressions, u.CTR, u.Position,
			u.Sessions, u.Conversions, u.EngagementRate,
			u.OpportunityIndex, u.ConversionEfficiency, u.QualityScore,
			u.HistoryDays, flags, data,
		}
	}

	return db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM unified_daily WHERE date BETWEEN $1 AND $2`, r.From, r.To,
		); err != nil {
			return fmt.Errorf("storage: clear unified rows: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"unified_daily"},
			[]string{
				"date", "property", "entity_type", "entity_id",
				"clicks", "impressions", "ctr", "position",
				"sessions", "conversions", "engagement_rate",
				"opportunity_index", "conversion_efficiency", "quality_score",
				"history_days", "quality_flags", "row_data",
			},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("storage: copy unified rows: %w", err)
		}
		return nil
	})
}

// ReadUnifiedRows returns unified rows for the range, ordered by entity then
// date.
func (db *DB) ReadUnifiedRows(ctx context.Context, r FeedRange) ([]model.UnifiedRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT row_data FROM unified_daily
		 WHERE date BETWEEN $1 AND $2
		 ORDER BY property, entity_type, entity_id, date`,
		r.From, r.To,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: read unified rows: %w", err)
	}
	defer rows.Close()

	var out []model.UnifiedRow
	for rows.Next() {
		var u model.UnifiedRow
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("storage: scan unified row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// LatestUnifiedRow returns the most recent unified row for an entity on or
// before asOf.
func (db *DB) LatestUnifiedRow(ctx context.Context, key model.EntityKey, asOf time.Time) (model.UnifiedRow, error) {
	var u model.UnifiedRow
	err := db.pool.QueryRow(ctx,
		`SELECT row_data FROM unified_daily
		 WHERE property = $1 AND entity_type = $2 AND entity_id = $3 AND date <= $4
		 ORDER BY date DESC
		 LIMIT 1`,
		key.Property, string(key.EntityType), key.EntityID, asOf,
	).Scan(&u)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UnifiedRow{}, ErrNotFound
		}
		return model.UnifiedRow{}, fmt.Errorf("storage: latest unified row: %w", err)
	}
	return u, nil
}

// EntityMetrics is the 7-day average snapshot used as action and execution
// baselines.
func (db *DB) EntityMetrics(ctx context.Context, key model.EntityKey, asOf time.Time) (map[string]float64, error) {
	u, err := db.LatestUnifiedRow(ctx, key, asOf)
	if err != nil {
		return nil, err
	}
	return SnapshotMetrics(u), nil
}

// SnapshotMetrics flattens a row's 7-day averages into the map stored in
// metrics_before, baseline_metrics and outcome_metrics.
func SnapshotMetrics(u model.UnifiedRow) map[string]float64 {
	m := map[string]float64{
		"clicks":      u.Avg7.Clicks,
		"impressions": u.Avg7.Impressions,
		"sessions":    u.Avg7.Sessions,
		"conversions": u.Avg7.Conversions,
	}
	if u.Avg7.Position != nil {
		m["position"] = *u.Avg7.Position
	}
	return m
}
