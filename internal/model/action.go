package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Urgency weights an Action's priority.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Multiplier returns the priority weight for u, or 0 if u is unknown.
func (u Urgency) Multiplier() float64 {
	switch u {
	case UrgencyCritical:
		return 2.0
	case UrgencyHigh:
		return 1.5
	case UrgencyMedium:
		return 1.0
	case UrgencyLow:
		return 0.7
	}
	return 0
}

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool { return u.Multiplier() > 0 }

// ActionStatus is the lifecycle state of an Action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionBlocked    ActionStatus = "blocked"
	ActionCompleted  ActionStatus = "completed"
	ActionCancelled  ActionStatus = "cancelled"
	ActionDeferred   ActionStatus = "deferred"
)

// Valid reports whether s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionInProgress, ActionBlocked, ActionCompleted, ActionCancelled, ActionDeferred:
		return true
	}
	return false
}

// Active reports whether s counts toward the priority queue.
func (s ActionStatus) Active() bool {
	return s == ActionPending || s == ActionInProgress || s == ActionBlocked
}

// Outcome is the measured result of a completed Action.
type Outcome string

const (
	OutcomeImproved Outcome = "improved"
	OutcomeNoChange Outcome = "no_change"
	OutcomeWorsened Outcome = "worsened"
	OutcomeUnknown  Outcome = "unknown"
)

// Action is a prioritized unit of work derived from an Insight.
type Action struct {
	ID            uuid.UUID          `json:"id"`
	InsightID     string             `json:"insight_id"`
	Property      string             `json:"property"`
	ActionType    string             `json:"action_type"`
	Category      Category           `json:"category"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	PriorityScore float64            `json:"priority_score"`
	ImpactScore   int                `json:"impact_score"`
	EffortScore   int                `json:"effort_score"`
	Urgency       Urgency            `json:"urgency"`
	Status        ActionStatus       `json:"status"`
	Owner         *string            `json:"owner,omitempty"`
	AssignedAt    *time.Time         `json:"assigned_at,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	DueDate       *time.Time         `json:"due_date,omitempty"`
	Outcome       Outcome            `json:"outcome"`
	MetricsBefore map[string]float64 `json:"metrics_before,omitempty"`
	MetricsAfter  map[string]float64 `json:"metrics_after,omitempty"`
	LiftPct       *float64           `json:"lift_pct,omitempty"`
	GeneratedAt   time.Time          `json:"generated_at"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ScorePriority is (impact/10) * (10/effort) * urgency multiplier * 100.
// The result is not clamped and can exceed 100 for high impact, low effort
// and critical urgency.
func ScorePriority(impact, effort int, urgency Urgency) float64 {
	if effort <= 0 {
		return 0
	}
	return (float64(impact) / 10) * (10 / float64(effort)) * urgency.Multiplier() * 100
}

// ValidateScores checks the impact and effort ranges and the urgency.
func ValidateScores(impact, effort int, urgency Urgency) error {
	if impact < 1 || impact > 10 {
		return fmt.Errorf("%w: impact_score %d outside [1,10]", ErrValidation, impact)
	}
	if effort < 1 || effort > 10 {
		return fmt.Errorf("%w: effort_score %d outside [1,10]", ErrValidation, effort)
	}
	if !urgency.Valid() {
		return fmt.Errorf("%w: invalid urgency %q", ErrValidation, urgency)
	}
	return nil
}

// ActionDraft is an Action before it is persisted.
type ActionDraft struct {
	InsightID     string
	Property      string
	ActionType    string
	Category      Category
	Title         string
	Description   string
	ImpactScore   int
	EffortScore   int
	Urgency       Urgency
	DueDate       *time.Time
	MetricsBefore map[string]float64
}

// Validate rejects drafts with malformed fields.
func (d ActionDraft) Validate() error {
	switch {
	case d.InsightID == "":
		return fmt.Errorf("%w: insight_id is required", ErrValidation)
	case strings.TrimSpace(d.ActionType) == "":
		return fmt.Errorf("%w: action_type is required", ErrValidation)
	case !d.Category.Valid():
		return fmt.Errorf("%w: invalid category %q", ErrValidation, d.Category)
	case len(d.Title) > MaxTitleLen:
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLen)
	}
	return ValidateScores(d.ImpactScore, d.EffortScore, d.Urgency)
}

// ActionUpdate is a partial update. Nil fields are left unchanged.
type ActionUpdate struct {
	Status      *ActionStatus `json:"status,omitempty"`
	Owner       *string       `json:"owner,omitempty"`
	ImpactScore *int          `json:"impact_score,omitempty"`
	EffortScore *int          `json:"effort_score,omitempty"`
	Urgency     *Urgency      `json:"urgency,omitempty"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
}

// ApplyActionUpdate returns current with u applied, stamping lifecycle
// timestamps and recomputing the priority score. Storage calls it before
// every write so the rules live here rather than in database triggers.
//
// A first owner assignment stamps AssignedAt. The first move to in_progress
// stamps StartedAt. Completing requires StartedAt and stamps CompletedAt;
// completing an action that never started returns ErrStateConflict.
func ApplyActionUpdate(current Action, u ActionUpdate, now time.Time) (Action, error) {
	next := current
	if u.ImpactScore != nil {
		next.ImpactScore = *u.ImpactScore
	}
	if u.EffortScore != nil {
		next.EffortScore = *u.EffortScore
	}
	if u.Urgency != nil {
		next.Urgency = *u.Urgency
	}
	if err := ValidateScores(next.ImpactScore, next.EffortScore, next.Urgency); err != nil {
		return current, err
	}
	if u.DueDate != nil {
		d := *u.DueDate
		next.DueDate = &d
	}
	if u.Owner != nil {
		owner := strings.TrimSpace(*u.Owner)
		if owner == "" {
			return current, fmt.Errorf("%w: owner must not be empty", ErrValidation)
		}
		next.Owner = &owner
		if current.AssignedAt == nil {
			t := now
			next.AssignedAt = &t
		}
	}
	if u.Status != nil && *u.Status != current.Status {
		to := *u.Status
		if !to.Valid() {
			return current, fmt.Errorf("%w: invalid action status %q", ErrValidation, to)
		}
		if current.Status == ActionCompleted || current.Status == ActionCancelled {
			return current, fmt.Errorf("%w: action is already %s", ErrStateConflict, current.Status)
		}
		switch to {
		case ActionInProgress:
			if next.StartedAt == nil {
				t := now
				next.StartedAt = &t
			}
		case ActionCompleted:
			if next.StartedAt == nil {
				return current, fmt.Errorf("%w: cannot complete an action that was never started", ErrStateConflict)
			}
			t := now
			next.CompletedAt = &t
		}
		next.Status = to
	}
	next.PriorityScore = ScorePriority(next.ImpactScore, next.EffortScore, next.Urgency)
	next.UpdatedAt = now
	return next, nil
}

// Outcome thresholds on clicks lift, in percent.
const (
	OutcomeImprovedPct = 5.0
	OutcomeWorsenedPct = -5.0
)

// ClassifyOutcome compares after against before on clicks. It returns
// OutcomeUnknown with a nil lift when there is no usable baseline.
func ClassifyOutcome(before, after map[string]float64) (Outcome, *float64) {
	b, ok := before["clicks"]
	a, okAfter := after["clicks"]
	if !ok || !okAfter || b <= 0 {
		return OutcomeUnknown, nil
	}
	lift := (a - b) / b * 100
	switch {
	case lift > OutcomeImprovedPct:
		return OutcomeImproved, &lift
	case lift < OutcomeWorsenedPct:
		return OutcomeWorsened, &lift
	}
	return OutcomeNoChange, &lift
}

// ActionFilter selects Actions for listing. Nil fields do not filter.
type ActionFilter struct {
	Property  *string
	InsightID *string
	Status    *ActionStatus
	Limit     int
	Offset    int
}
