package storage

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy sets how long housekeeping keeps each record family. A
// zero duration keeps rows forever.
type RetentionPolicy struct {
	ResolvedInsights  time.Duration
	SentNotifications time.Duration
	RefreshRuns       time.Duration
	IdempotencyKeys   time.Duration
}

// PurgeCount holds row counts removed by one Purge.
type PurgeCount struct {
	Insights        int64 `json:"insights"`
	Notifications   int64 `json:"notifications"`
	RefreshRuns     int64 `json:"refresh_runs"`
	IdempotencyKeys int64 `json:"idempotency_keys"`
}

// Total sums all counts.
func (p PurgeCount) Total() int64 {
	return p.Insights + p.Notifications + p.RefreshRuns + p.IdempotencyKeys
}

// Purge applies p relative to now. Each family is deleted in its own
// statement; an error stops the purge and returns what was removed so far.
func (db *DB) Purge(ctx context.Context, p RetentionPolicy, now time.Time) (PurgeCount, error) {
	var (
		out PurgeCount
		err error
	)
	if p.ResolvedInsights > 0 {
		if out.Insights, err = db.DeleteResolvedInsightsBefore(ctx, now.Add(-p.ResolvedInsights)); err != nil {
			return out, err
		}
	}
	if p.SentNotifications > 0 {
		if out.Notifications, err = db.DeleteSentNotificationsBefore(ctx, now.Add(-p.SentNotifications)); err != nil {
			return out, err
		}
	}
	if p.RefreshRuns > 0 {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM refresh_runs WHERE status <> 'running' AND started_at < $1`, now.Add(-p.RefreshRuns))
		if err != nil {
			return out, fmt.Errorf("storage: purge refresh runs: %w", err)
		}
		out.RefreshRuns = tag.RowsAffected()
	}
	if p.IdempotencyKeys > 0 {
		if out.IdempotencyKeys, err = db.CleanupIdempotencyKeys(ctx, p.IdempotencyKeys, p.IdempotencyKeys); err != nil {
			return out, err
		}
	}
	return out, nil
}
