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

// --- rules ---

const alertRuleColumns = `id, name, category, min_severity, source, property, channels,
	suppression_window_seconds, max_alerts_per_day, enabled, created_at`

func scanAlertRule(row pgx.Row) (model.AlertRule, error) {
	var (
		r      model.AlertRule
		window int64
	)
	err := row.Scan(&r.ID, &r.Name, &r.Category, &r.MinSeverity, &r.Source, &r.Property, &r.Channels,
		&window, &r.MaxAlertsPerDay, &r.Enabled, &r.CreatedAt)
	r.SuppressionWindow = time.Duration(window) * time.Second
	return r, err
}

// CreateAlertRule stores a rule. Names are unique.
func (db *DB) CreateAlertRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	if err := r.Validate(); err != nil {
		return model.AlertRule{}, err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	out, err := scanAlertRule(db.pool.QueryRow(ctx,
		`INSERT INTO alert_rules (id, name, category, min_severity, source, property, channels,
		     suppression_window_seconds, max_alerts_per_day, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 RETURNING `+alertRuleColumns,
		r.ID, r.Name, string(r.Category), string(r.MinSeverity), r.Source, r.Property, r.Channels,
		int64(r.Window()/time.Second), r.MaxAlertsPerDay, r.Enabled,
	))
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("storage: create alert rule: %w", err)
	}
	return out, nil
}

// ListAlertRules returns rules by name. enabledOnly drops disabled rules.
func (db *DB) ListAlertRules(ctx context.Context, enabledOnly bool) ([]model.AlertRule, error) {
	sql := `SELECT ` + alertRuleColumns + ` FROM alert_rules`
	if enabledOnly {
		sql += ` WHERE enabled`
	}
	rows, err := db.pool.Query(ctx, sql+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert rules: %w", err)
	}
	defer rows.Close()
	var out []model.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alert rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- suppressions ---

// CreateSuppression stores a maintenance window.
func (db *DB) CreateSuppression(ctx context.Context, s model.Suppression) (model.Suppression, error) {
	if !s.EndsAt.After(s.StartsAt) {
		return model.Suppression{}, fmt.Errorf("%w: suppression must end after it starts", model.ErrValidation)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO alert_suppressions (id, rule_id, property, reason, starts_at, ends_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.RuleID, s.Property, s.Reason, s.StartsAt, s.EndsAt,
	); err != nil {
		return model.Suppression{}, fmt.Errorf("storage: create suppression: %w", err)
	}
	return s, nil
}

// --- alert history ---

const alertColumns = `id, rule_id, property, alert_type, insight_id, severity, title, payload, status,
	suppression_reason, triggered_at, resolved_at, resolved_by, resolution_notes, time_to_resolve_ms`

func scanAlert(row pgx.Row) (model.AlertHistory, error) {
	var (
		a     model.AlertHistory
		ttrMs *int64
	)
	err := row.Scan(&a.ID, &a.RuleID, &a.Property, &a.AlertType, &a.InsightID, &a.Severity, &a.Title,
		&a.Payload, &a.Status, &a.SuppressionReason, &a.TriggeredAt, &a.ResolvedAt, &a.ResolvedBy,
		&a.ResolutionNotes, &ttrMs)
	if ttrMs != nil {
		d := time.Duration(*ttrMs) * time.Millisecond
		a.TimeToResolve = &d
	}
	return a, err
}

// AlertTx is the storage view available while a (rule, property) alert
// lock is held. Everything written through it commits together.
type AlertTx struct {
	tx pgx.Tx
}

// WithAlertLock runs fn in a transaction holding an advisory lock on
// (ruleID, property), so concurrent evaluations of the same key see each
// other's counts.
func (db *DB) WithAlertLock(ctx context.Context, ruleID uuid.UUID, property string, fn func(AlertTx) error) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			ruleID.String()+"|"+property,
		); err != nil {
			return fmt.Errorf("storage: alert lock: %w", err)
		}
		return fn(AlertTx{tx: tx})
	})
}

// ActiveSuppressions returns maintenance windows covering (ruleID,
// property) at t. Suppressions with no rule or property match all.
func (a AlertTx) ActiveSuppressions(ctx context.Context, ruleID uuid.UUID, property string, t time.Time) ([]model.Suppression, error) {
	rows, err := a.tx.Query(ctx,
		`SELECT id, rule_id, property, reason, starts_at, ends_at
		 FROM alert_suppressions
		 WHERE starts_at <= $3 AND ends_at > $3
		   AND (rule_id IS NULL OR rule_id = $1)
		   AND (property IS NULL OR property = $2)
		 ORDER BY starts_at`,
		ruleID, property, t,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active suppressions: %w", err)
	}
	defer rows.Close()
	var out []model.Suppression
	for rows.Next() {
		var s model.Suppression
		if err := rows.Scan(&s.ID, &s.RuleID, &s.Property, &s.Reason, &s.StartsAt, &s.EndsAt); err != nil {
			return nil, fmt.Errorf("storage: scan suppression: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountAlerts counts non-suppressed alerts for (ruleID, property) triggered
// at or after since.
func (a AlertTx) CountAlerts(ctx context.Context, ruleID uuid.UUID, property string, since time.Time) (int, error) {
	var n int
	err := a.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM alert_history
		 WHERE rule_id = $1 AND property = $2 AND triggered_at >= $3 AND status <> 'suppressed'`,
		ruleID, property, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count alerts: %w", err)
	}
	return n, nil
}

// InsertAlert writes an alert history row.
func (a AlertTx) InsertAlert(ctx context.Context, h model.AlertHistory) (model.AlertHistory, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.Payload == nil {
		h.Payload = map[string]any{}
	}
	out, err := scanAlert(a.tx.QueryRow(ctx,
		`INSERT INTO alert_history (id, rule_id, property, alert_type, insight_id, severity, title, payload,
		     status, suppression_reason, triggered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+alertColumns,
		h.ID, h.RuleID, h.Property, h.AlertType, h.InsightID, string(h.Severity), h.Title, h.Payload,
		string(h.Status), h.SuppressionReason, h.TriggeredAt,
	))
	if err != nil {
		return model.AlertHistory{}, fmt.Errorf("storage: insert alert: %w", err)
	}
	return out, nil
}

// EnqueueNotification adds one delivery to the queue. Workers listening on
// ChannelNotifications are woken when the transaction commits.
func (a AlertTx) EnqueueNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.ChannelConfig == nil {
		n.ChannelConfig = map[string]string{}
	}
	out, err := scanNotification(a.tx.QueryRow(ctx,
		`INSERT INTO notification_queue (id, alert_id, channel_type, channel_config, payload, status,
		     attempts, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', 0, now(), now())
		 RETURNING `+notificationColumns,
		n.ID, n.AlertID, n.ChannelType, n.ChannelConfig, n.Payload,
	))
	if err != nil {
		return model.Notification{}, fmt.Errorf("storage: enqueue notification: %w", err)
	}
	if err := notifyTx(ctx, a.tx, ChannelNotifications, out.ID.String()); err != nil {
		return model.Notification{}, err
	}
	return out, nil
}

// GetAlert returns one alert history row.
func (db *DB) GetAlert(ctx context.Context, id uuid.UUID) (model.AlertHistory, error) {
	a, err := scanAlert(db.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alert_history WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AlertHistory{}, ErrNotFound
		}
		return model.AlertHistory{}, fmt.Errorf("storage: get alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns alerts newest first with the total match count.
func (db *DB) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.AlertHistory, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset)
	w := &whereBuilder{}
	if f.Property != nil {
		w.add("property = ?", *f.Property)
	}
	if f.Status != nil {
		w.add("status = ?", string(*f.Status))
	}
	if f.RuleID != nil {
		w.add("rule_id = ?", *f.RuleID)
	}
	where := w.clause()

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alert_history`+where, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count alerts: %w", err)
	}
	page := w.page(limit, offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alert_history`+where+` ORDER BY triggered_at DESC, id`+page, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list alerts: %w", err)
	}
	defer rows.Close()
	var out []model.AlertHistory
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// ResolveAlert closes an open or investigating alert, stamping resolved_at
// and the time to resolve. Resolving a closed or suppressed alert returns
// model.ErrStateConflict.
func (db *DB) ResolveAlert(ctx context.Context, id uuid.UUID, resolvedBy, notes string, falsePositive bool, now time.Time) (model.AlertHistory, error) {
	var out model.AlertHistory
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var (
			status      model.AlertStatus
			triggeredAt time.Time
		)
		if err := tx.QueryRow(ctx,
			`SELECT status, triggered_at FROM alert_history WHERE id = $1 FOR UPDATE`, id,
		).Scan(&status, &triggeredAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: lock alert: %w", err)
		}
		if status != model.AlertOpen && status != model.AlertInvestigating {
			return fmt.Errorf("%w: alert is %s", model.ErrStateConflict, status)
		}
		next := model.AlertResolved
		if falsePositive {
			next = model.AlertFalsePositive
		}
		ttr := now.Sub(triggeredAt)
		if ttr < 0 {
			ttr = 0
		}
		var notesArg *string
		if notes != "" {
			notesArg = &notes
		}
		a, err := scanAlert(tx.QueryRow(ctx,
			`UPDATE alert_history
			 SET status = $2, resolved_at = $3, resolved_by = $4, resolution_notes = $5, time_to_resolve_ms = $6
			 WHERE id = $1
			 RETURNING `+alertColumns,
			id, string(next), now, resolvedBy, notesArg, ttr.Milliseconds(),
		))
		if err != nil {
			return fmt.Errorf("storage: resolve alert: %w", err)
		}
		out = a
		return nil
	})
	return out, err
}
