// Package alerts turns Insights into rate-limited alerts and delivers their
// notifications.
//
// The Aggregator decides, per (rule, property), whether a candidate opens
// an alert or is recorded as suppressed. The Worker drains the notification
// queue the Aggregator fills. Delivery is at-least-once: a Sender may see
// the same notification twice after a crash, so receivers must be
// idempotent on the notification id.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/internal/telemetry"
)

// Suppression reasons recorded on suppressed alerts.
const (
	ReasonMaintenance = "maintenance"
	ReasonDailyCap    = "daily_cap"
)

// Aggregator evaluates alert candidates against rules.
type Aggregator struct {
	db     *storage.DB
	logger *slog.Logger
	now    func() time.Time

	decisions metric.Int64Counter
}

// NewAggregator creates an Aggregator.
func NewAggregator(db *storage.DB, logger *slog.Logger) *Aggregator {
	meter := telemetry.Meter("mitoshi/alerts")
	decisions, _ := meter.Int64Counter("mitoshi.alerts.decisions",
		metric.WithDescription("Alert candidates by outcome"),
	)
	return &Aggregator{db: db, logger: logger, now: time.Now, decisions: decisions}
}

// Evaluate matches insights against every enabled rule and submits one
// candidate per match. Callers pass only insights that are new in this
// run, so an unchanged insight does not alert again on every refresh.
func (a *Aggregator) Evaluate(ctx context.Context, insights []model.Insight) (model.AlertStats, error) {
	var stats model.AlertStats
	if len(insights) == 0 {
		return stats, nil
	}
	rules, err := a.db.ListAlertRules(ctx, true)
	if err != nil {
		return stats, err
	}
	for _, in := range insights {
		for _, r := range rules {
			if !r.Matches(in) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			h, enqueued, err := a.Submit(ctx, r, CandidateFor(r, in))
			if err != nil {
				return stats, err
			}
			stats.Evaluated++
			stats.Enqueued += enqueued
			if h.Status == model.AlertSuppressed {
				stats.Suppressed++
			} else {
				stats.Opened++
			}
		}
	}
	return stats, nil
}

// CandidateFor builds the alert candidate an insight raises under a rule.
// The alert type is the insight's source and category.
func CandidateFor(r model.AlertRule, in model.Insight) model.AlertCandidate {
	id := in.ID
	title := in.Title
	if title == "" {
		title = fmt.Sprintf("%s %s on %s", in.Severity, in.Category, in.EntityID)
	}
	return model.AlertCandidate{
		RuleID:    r.ID,
		Property:  in.Property,
		AlertType: in.Source + "." + string(in.Category),
		InsightID: &id,
		Severity:  in.Severity,
		Title:     title,
		Payload: map[string]any{
			"insight_id":  in.ID,
			"entity_type": in.EntityType,
			"entity_id":   in.EntityID,
			"severity":    in.Severity,
			"confidence":  in.Confidence,
			"metrics":     in.Metrics.Values(),
		},
	}
}

// Submit decides one candidate under the (rule, property) lock. A covering
// maintenance window or a full daily cap persists the alert as suppressed
// with nothing enqueued; otherwise it opens and one notification per rule
// channel is enqueued. It returns the alert and the number enqueued.
func (a *Aggregator) Submit(ctx context.Context, r model.AlertRule, c model.AlertCandidate) (model.AlertHistory, int, error) {
	now := a.now()
	var (
		out      model.AlertHistory
		enqueued int
	)
	err := a.db.WithAlertLock(ctx, r.ID, c.Property, func(tx storage.AlertTx) error {
		enqueued = 0
		reason, err := a.suppressionReason(ctx, tx, r, c, now)
		if err != nil {
			return err
		}
		h := model.AlertHistory{
			RuleID:      r.ID,
			Property:    c.Property,
			AlertType:   c.AlertType,
			InsightID:   c.InsightID,
			Severity:    c.Severity,
			Title:       c.Title,
			Payload:     c.Payload,
			Status:      model.AlertOpen,
			TriggeredAt: now,
		}
		if reason != "" {
			h.Status = model.AlertSuppressed
			h.SuppressionReason = &reason
		}
		out, err = tx.InsertAlert(ctx, h)
		if err != nil {
			return err
		}
		if out.Status == model.AlertSuppressed {
			return nil
		}
		body, err := json.Marshal(notificationPayload(r, out))
		if err != nil {
			return fmt.Errorf("alerts: marshal payload: %w", err)
		}
		for _, ch := range r.Channels {
			if _, err := tx.EnqueueNotification(ctx, model.Notification{
				AlertID:       out.ID,
				ChannelType:   ch.Type,
				ChannelConfig: ch.Config,
				Payload:       body,
			}); err != nil {
				return err
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		return model.AlertHistory{}, 0, err
	}

	outcome := "opened"
	if out.Status == model.AlertSuppressed {
		outcome = "suppressed"
		a.logger.Info("alerts: suppressed",
			"rule", r.Name, "property", c.Property, "alert_type", c.AlertType, "reason", *out.SuppressionReason)
	} else {
		a.logger.Info("alerts: opened",
			"rule", r.Name, "property", c.Property, "alert_type", c.AlertType, "notifications", enqueued)
	}
	a.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return out, enqueued, nil
}

func (a *Aggregator) suppressionReason(ctx context.Context, tx storage.AlertTx, r model.AlertRule, c model.AlertCandidate, now time.Time) (string, error) {
	windows, err := tx.ActiveSuppressions(ctx, r.ID, c.Property, now)
	if err != nil {
		return "", err
	}
	for _, s := range windows {
		if s.Covers(c, now) {
			return ReasonMaintenance, nil
		}
	}
	n, err := tx.CountAlerts(ctx, r.ID, c.Property, now.Add(-r.Window()))
	if err != nil {
		return "", err
	}
	if n >= r.MaxAlertsPerDay {
		return ReasonDailyCap, nil
	}
	return "", nil
}

// Payload is the JSON body every channel receives.
type Payload struct {
	AlertID     string         `json:"alert_id"`
	Rule        string         `json:"rule"`
	Property    string         `json:"property"`
	AlertType   string         `json:"alert_type"`
	Severity    model.Severity `json:"severity"`
	Title       string         `json:"title"`
	InsightID   *string        `json:"insight_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	TriggeredAt time.Time      `json:"triggered_at"`
}

func notificationPayload(r model.AlertRule, h model.AlertHistory) Payload {
	return Payload{
		AlertID:     h.ID.String(),
		Rule:        r.Name,
		Property:    h.Property,
		AlertType:   h.AlertType,
		Severity:    h.Severity,
		Title:       h.Title,
		InsightID:   h.InsightID,
		Details:     h.Payload,
		TriggeredAt: h.TriggeredAt,
	}
}

// Resolve closes an alert. A false positive is recorded as such; either
// way resolved_at and the time to resolve are stamped.
func (a *Aggregator) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string, falsePositive bool) (model.AlertHistory, error) {
	if resolvedBy == "" {
		return model.AlertHistory{}, fmt.Errorf("%w: resolved_by is required", model.ErrValidation)
	}
	h, err := a.db.ResolveAlert(ctx, id, resolvedBy, notes, falsePositive, a.now())
	if err != nil {
		return model.AlertHistory{}, err
	}
	a.logger.Info("alerts: resolved", "alert_id", id, "status", h.Status, "time_to_resolve", h.TimeToResolve)
	return h, nil
}

// List returns alerts matching f and the total match count.
func (a *Aggregator) List(ctx context.Context, f model.AlertFilter) ([]model.AlertHistory, int, error) {
	return a.db.ListAlerts(ctx, f)
}
