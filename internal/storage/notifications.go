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

const notificationColumns = `id, alert_id, channel_type, channel_config, payload, status, attempts,
	next_attempt_at, last_error, sent_at, created_at`

func scanNotification(row pgx.Row) (model.Notification, error) {
	var (
		n       model.Notification
		payload []byte
	)
	err := row.Scan(&n.ID, &n.AlertID, &n.ChannelType, &n.ChannelConfig, &payload, &n.Status, &n.Attempts,
		&n.NextAttemptAt, &n.LastError, &n.SentAt, &n.CreatedAt)
	n.Payload = payload
	return n, err
}

// ClaimNotifications moves up to limit due pending entries to sending and
// returns them. The lease must outlast the sender timeout; entries whose
// lease expires are returned to pending by ReclaimStuckNotifications.
func (db *DB) ClaimNotifications(ctx context.Context, limit int, lease time.Duration) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.Notification
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE notification_queue
			 SET status = 'sending', attempts = attempts + 1,
			     locked_until = now() + $2 * interval '1 microsecond'
			 WHERE id IN (
			     SELECT id FROM notification_queue
			     WHERE status = 'pending' AND next_attempt_at <= now()
			     ORDER BY next_attempt_at ASC
			     LIMIT $1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+notificationColumns,
			limit, lease.Microseconds(),
		)
		if err != nil {
			return fmt.Errorf("storage: claim notifications: %w", err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			n, err := scanNotification(rows)
			if err != nil {
				return fmt.Errorf("storage: scan notification: %w", err)
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	return out, err
}

// MarkNotificationSent records a successful delivery.
func (db *DB) MarkNotificationSent(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE notification_queue
		 SET status = 'sent', sent_at = now(), locked_until = NULL, last_error = NULL
		 WHERE id = $1 AND status = 'sending'`, id)
	if err != nil {
		return fmt.Errorf("storage: mark notification sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s is not sending", model.ErrStateConflict, id)
	}
	return nil
}

// RetryNotification records a failed delivery. Below maxAttempts the entry
// goes back to pending with next_attempt_at = now() + min(2^attempts, 300)
// seconds; at maxAttempts it is marked failed. It returns the new status.
func (db *DB) RetryNotification(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) (model.NotificationStatus, error) {
	var status model.NotificationStatus
	err := db.pool.QueryRow(ctx,
		`UPDATE notification_queue
		 SET status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
		     next_attempt_at = now() + LEAST(POWER(2, attempts), 300) * interval '1 second',
		     locked_until = NULL,
		     last_error = $2
		 WHERE id = $1 AND status = 'sending'
		 RETURNING status`,
		id, errMsg, maxAttempts,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: notification %s is not sending", model.ErrStateConflict, id)
		}
		return "", fmt.Errorf("storage: retry notification: %w", err)
	}
	return status, nil
}

// ReclaimStuckNotifications returns sending entries whose lease expired to
// pending, e.g. after a worker crashed mid-delivery.
func (db *DB) ReclaimStuckNotifications(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE notification_queue
		 SET status = 'pending', locked_until = NULL, last_error = 'lease expired while sending'
		 WHERE status = 'sending' AND locked_until < now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: reclaim notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NotificationQueueDepth counts entries still waiting for delivery.
func (db *DB) NotificationQueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_queue WHERE status IN ('pending', 'sending')`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: notification queue depth: %w", err)
	}
	return n, nil
}

// NotificationsForAlert lists the queue entries of one alert.
func (db *DB) NotificationsForAlert(ctx context.Context, alertID uuid.UUID) ([]model.Notification, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notification_queue WHERE alert_id = $1 ORDER BY created_at, channel_type`,
		alertID)
	if err != nil {
		return nil, fmt.Errorf("storage: list notifications: %w", err)
	}
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteSentNotificationsBefore removes delivered entries older than
// cutoff.
func (db *DB) DeleteSentNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM notification_queue WHERE status = 'sent' AND sent_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete sent notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
