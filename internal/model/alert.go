package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStatus is the lifecycle state of an AlertHistory row.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
	AlertSuppressed    AlertStatus = "suppressed"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertOpen, AlertInvestigating, AlertResolved, AlertFalsePositive, AlertSuppressed:
		return true
	}
	return false
}

// Channel is one delivery target of an AlertRule.
type Channel struct {
	Type   string            `json:"type"`
	Config map[string]string `json:"config,omitempty"`
}

// AlertRule decides which Insights raise alerts and how often.
type AlertRule struct {
	ID                uuid.UUID     `json:"id"`
	Name              string        `json:"name"`
	Category          Category      `json:"category"`
	MinSeverity       Severity      `json:"min_severity"`
	Source            *string       `json:"source,omitempty"`
	Property          *string       `json:"property,omitempty"`
	Channels          []Channel     `json:"channels"`
	SuppressionWindow time.Duration `json:"suppression_window"`
	MaxAlertsPerDay   int           `json:"max_alerts_per_day"`
	Enabled           bool          `json:"enabled"`
	CreatedAt         time.Time     `json:"created_at"`
}

// DefaultSuppressionWindow applies when a rule leaves the window unset.
const DefaultSuppressionWindow = 24 * time.Hour

// Window returns the effective suppression window.
func (r AlertRule) Window() time.Duration {
	if r.SuppressionWindow <= 0 {
		return DefaultSuppressionWindow
	}
	return r.SuppressionWindow
}

// Matches reports whether an Insight triggers this rule.
func (r AlertRule) Matches(in Insight) bool {
	if !r.Enabled || in.Category != r.Category || !in.Severity.AtLeast(r.MinSeverity) {
		return false
	}
	if r.Source != nil && *r.Source != in.Source {
		return false
	}
	if r.Property != nil && *r.Property != in.Property {
		return false
	}
	return true
}

// Validate rejects rules that could never fire or never deliver.
func (r AlertRule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: rule name is required", ErrValidation)
	case !r.Category.Valid():
		return fmt.Errorf("%w: invalid category %q", ErrValidation, r.Category)
	case !r.MinSeverity.Valid():
		return fmt.Errorf("%w: invalid min_severity %q", ErrValidation, r.MinSeverity)
	case r.MaxAlertsPerDay < 1:
		return fmt.Errorf("%w: max_alerts_per_day must be at least 1", ErrValidation)
	case len(r.Channels) == 0:
		return fmt.Errorf("%w: rule needs at least one channel", ErrValidation)
	}
	return nil
}

// AlertCandidate is an alert the aggregator has not yet decided on.
type AlertCandidate struct {
	RuleID    uuid.UUID
	Property  string
	AlertType string
	InsightID *string
	Severity  Severity
	Title     string
	Payload   map[string]any
}

// AlertHistory is one persisted alert instance.
type AlertHistory struct {
	ID                uuid.UUID      `json:"id"`
	RuleID            uuid.UUID      `json:"rule_id"`
	Property          string         `json:"property"`
	AlertType         string         `json:"alert_type"`
	InsightID         *string        `json:"insight_id,omitempty"`
	Severity          Severity       `json:"severity"`
	Title             string         `json:"title"`
	Payload           map[string]any `json:"payload,omitempty"`
	Status            AlertStatus    `json:"status"`
	SuppressionReason *string        `json:"suppression_reason,omitempty"`
	TriggeredAt       time.Time      `json:"triggered_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy        *string        `json:"resolved_by,omitempty"`
	ResolutionNotes   *string        `json:"resolution_notes,omitempty"`
	TimeToResolve     *time.Duration `json:"time_to_resolve_ns,omitempty"`
}

// Suppression is a maintenance window during which alerts are recorded as
// suppressed. Nil RuleID or Property match everything.
type Suppression struct {
	ID       uuid.UUID  `json:"id"`
	RuleID   *uuid.UUID `json:"rule_id,omitempty"`
	Property *string    `json:"property,omitempty"`
	Reason   string     `json:"reason"`
	StartsAt time.Time  `json:"starts_at"`
	EndsAt   time.Time  `json:"ends_at"`
}

// Covers reports whether the suppression applies to a candidate at t.
func (s Suppression) Covers(c AlertCandidate, t time.Time) bool {
	if t.Before(s.StartsAt) || !t.Before(s.EndsAt) {
		return false
	}
	if s.RuleID != nil && *s.RuleID != c.RuleID {
		return false
	}
	if s.Property != nil && *s.Property != c.Property {
		return false
	}
	return true
}

// NotificationStatus is the delivery state of a queue entry.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSending NotificationStatus = "sending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is one queued delivery of an alert to one channel.
type Notification struct {
	ID            uuid.UUID          `json:"id"`
	AlertID       uuid.UUID          `json:"alert_id"`
	ChannelType   string             `json:"channel_type"`
	ChannelConfig map[string]string  `json:"channel_config,omitempty"`
	Payload       json.RawMessage    `json:"payload"`
	Status        NotificationStatus `json:"status"`
	Attempts      int                `json:"attempts"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	LastError     *string            `json:"last_error,omitempty"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// AlertFilter selects alert history rows.
type AlertFilter struct {
	Property *string
	Status   *AlertStatus
	RuleID   *uuid.UUID
	Limit    int
	Offset   int
}
