package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// FeedRange bounds a feed read, both ends inclusive dates.
type FeedRange struct {
	From time.Time
	To   time.Time
}

// ReadSearchRows returns the search-visibility feed for the range, ordered
// by entity then date.
func (db *DB) ReadSearchRows(ctx context.Context, r FeedRange) ([]model.SearchRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT date, property, entity_type, entity_id, clicks, impressions, position
		 FROM search_daily
		 WHERE date BETWEEN $1 AND $2
		 ORDER BY property, entity_type, entity_id, date`,
		r.From, r.To,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: read search feed: %w", err)
	}
	defer rows.Close()

	var out []model.SearchRow
	for rows.Next() {
		var s model.SearchRow
		if err := rows.Scan(&s.Date, &s.Property, &s.EntityType, &s.EntityID, &s.Clicks, &s.Impressions, &s.Position); err != nil {
			return nil, fmt.Errorf("storage: scan search row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReadEngagementRows returns the site-engagement feed for the range.
func (db *DB) ReadEngagementRows(ctx context.Context, r FeedRange) ([]model.EngagementRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT date, property, entity_type, entity_id, sessions, conversions, engaged_sessions
		 FROM engagement_daily
		 WHERE date BETWEEN $1 AND $2
		 ORDER BY property, entity_type, entity_id, date`,
		r.From, r.To,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: read engagement feed: %w", err)
	}
	defer rows.Close()

	var out []model.EngagementRow
	for rows.Next() {
		var e model.EngagementRow
		if err := rows.Scan(&e.Date, &e.Property, &e.EntityType, &e.EntityID, &e.Sessions, &e.Conversions, &e.EngagedSessions); err != nil {
			return nil, fmt.Errorf("storage: scan engagement row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReadQueryPages returns query/page ranking pairs for the range.
func (db *DB) ReadQueryPages(ctx context.Context, r FeedRange) ([]model.QueryPageRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT date, property, query, page, clicks, impressions, position
		 FROM search_query_pages
		 WHERE date BETWEEN $1 AND $2
		 ORDER BY property, query, page, date`,
		r.From, r.To,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: read query pages: %w", err)
	}
	defer rows.Close()

	var out []model.QueryPageRow
	for rows.Next() {
		var q model.QueryPageRow
		if err := rows.Scan(&q.Date, &q.Property, &q.Query, &q.Page, &q.Clicks, &q.Impressions, &q.Position); err != nil {
			return nil, fmt.Errorf("storage: scan query page: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ReadVitals returns Core Web Vitals measurements for the range.
func (db *DB) ReadVitals(ctx context.Context, r FeedRange) ([]model.VitalsRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT date, property, page, lcp_ms, cls, inp_ms
		 FROM page_vitals_daily
		 WHERE date BETWEEN $1 AND $2
		 ORDER BY property, page, date`,
		r.From, r.To,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: read vitals: %w", err)
	}
	defer rows.Close()

	var out []model.VitalsRow
	for rows.Next() {
		var v model.VitalsRow
		if err := rows.Scan(&v.Date, &v.Property, &v.Page, &v.LCPMs, &v.CLS, &v.INPMs); err != nil {
			return nil, fmt.Errorf("storage: scan vitals: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CopySearchRows bulk-loads search feed rows. Used by connectors and
// fixtures; conflicting keys fail the whole batch.
func (db *DB) CopySearchRows(ctx context.Context, in []model.SearchRow) (int64, error) {
	rows := make([][]any, len(in))
	for i, s := range in {
		rows[i] = []any{s.Date, s.Property, string(s.EntityType), s.EntityID, s.Clicks, s.Impressions, s.Position}
	}
	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"search_daily"},
		[]string{"date", "property", "entity_type", "entity_id", "clicks", "impressions", "position"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy search rows: %w", err)
	}
	return n, nil
}

// CopyEngagementRows bulk-loads engagement feed rows.
func (db *DB) CopyEngagementRows(ctx context.Context, in []model.EngagementRow) (int64, error) {
	rows := make([][]any, len(in))
	for i, e := range in {
		rows[i] = []any{e.Date, e.Property, string(e.EntityType), e.EntityID, e.Sessions, e.Conversions, e.EngagedSessions}
	}
	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"engagement_daily"},
		[]string{"date", "property", "entity_type", "entity_id", "sessions", "conversions", "engaged_sessions"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy engagement rows: %w", err)
	}
	return n, nil
}

// CopyQueryPages bulk-loads query/page pairs.
func (db *DB) CopyQueryPages(ctx context.Context, in []model.QueryPageRow) (int64, error) {
	rows := make([][]any, len(in))
	for i, q := range in {
		rows[i] = []any{q.Date, q.Property, q.Query, q.Page, q.Clicks, q.Impressions, q.Position}
	}
	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"search_query_pages"},
		[]string{"date", "property", "query", "page", "clicks", "impressions", "position"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy query pages: %w", err)
	}
	return n, nil
}

// CopyVitals bulk-loads Core Web Vitals rows.
func (db *DB) CopyVitals(ctx context.Context, in []model.VitalsRow) (int64, error) {
	rows := make([][]any, len(in))
	for i, v := range in {
		rows[i] = []any{v.Date, v.Property, v.Page, v.LCPMs, v.CLS, v.INPMs}
	}
	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"page_vitals_daily"},
		[]string{"date", "property", "page", "lcp_ms", "cls", "inp_ms"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy vitals: %w", err)
	}
	return n, nil
}
