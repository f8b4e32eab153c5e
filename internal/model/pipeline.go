package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names one step of the agent pipeline.
type Stage string

const (
	StageWatcher       Stage = "watcher"
	StageDiagnostician Stage = "diagnostician"
	StageStrategist    Stage = "strategist"
	StageDispatcher    Stage = "dispatcher"
	StageMonitor       Stage = "monitor"
)

// ClaimState is the consumption bookkeeping shared by every pipeline record.
// A record is consumed by the next stage exactly once: Processed flips to
// true in the same transaction that writes the downstream record.
type ClaimState struct {
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ClaimedBy    *string    `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	Attempts     int        `json:"attempts"`
	LastError    *string    `json:"last_error,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// Finding is the Watcher's output: something worth diagnosing.
type Finding struct {
	ID               uuid.UUID          `json:"id"`
	InsightID        *string            `json:"insight_id,omitempty"`
	Property         string             `json:"property"`
	DedupeKey        string             `json:"dedupe_key"`
	Category         Category           `json:"category"`
	Severity         Severity           `json:"severity"`
	Summary          string             `json:"summary"`
	AffectedEntities []string           `json:"affected_entities"`
	Metrics          map[string]float64 `json:"metrics"`
	ClaimState
	CreatedAt time.Time `json:"created_at"`
}

// Diagnosis is the Diagnostician's output for one Finding.
type Diagnosis struct {
	ID                 uuid.UUID `json:"id"`
	FindingID          uuid.UUID `json:"finding_id"`
	InsightID          *string   `json:"insight_id,omitempty"`
	Property           string    `json:"property"`
	RootCause          RootCause `json:"root_cause"`
	Confidence         float64   `json:"confidence"`
	SupportingEvidence []string  `json:"supporting_evidence"`
	Reasoning          string    `json:"reasoning"`
	ClaimState
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the root cause and confidence range.
func (d Diagnosis) Validate() error {
	if !d.RootCause.Valid() {
		return fmt.Errorf("%w: invalid root_cause %q", ErrValidation, d.RootCause)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrValidation, d.Confidence)
	}
	return nil
}

// Impact is a coarse expected-impact bucket.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// ActionItem is one ranked step within a Recommendation.
type ActionItem struct {
	Rank        int    `json:"rank"`
	ActionType  string `json:"action_type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ImpactScore int    `json:"impact_score"`
	EffortScore int    `json:"effort_score"`
}

// Recommendation is the Strategist's output for one Diagnosis.
type Recommendation struct {
	ID                     uuid.UUID    `json:"id"`
	DiagnosisID            uuid.UUID    `json:"diagnosis_id"`
	InsightID              *string      `json:"insight_id,omitempty"`
	Property               string       `json:"property"`
	RootCause              RootCause    `json:"root_cause"`
	ActionItems            []ActionItem `json:"action_items"`
	Priority               int          `json:"priority"`
	EstimatedEffortHours   float64      `json:"estimated_effort_hours"`
	ExpectedImpact         Impact       `json:"expected_impact"`
	ExpectedTrafficLiftPct float64      `json:"expected_traffic_lift_pct"`
	Reasoning              string       `json:"reasoning"`
	ClaimState
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the priority range and that there is something to do.
func (r Recommendation) Validate() error {
	if r.Priority < 1 || r.Priority > 5 {
		return fmt.Errorf("%w: priority %d outside [1,5]", ErrValidation, r.Priority)
	}
	if len(r.ActionItems) == 0 {
		return fmt.Errorf("%w: recommendation has no action items", ErrValidation)
	}
	return nil
}

// ExecutionStatus is the lifecycle of a dispatched Recommendation.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// Execution is the Dispatcher's record of carrying out a Recommendation.
type Execution struct {
	ID               uuid.UUID          `json:"id"`
	RecommendationID uuid.UUID          `json:"recommendation_id"`
	InsightID        *string            `json:"insight_id,omitempty"`
	Property         string             `json:"property"`
	RootCause        RootCause          `json:"root_cause"`
	Status           ExecutionStatus    `json:"status"`
	DryRun           bool               `json:"dry_run"`
	ActionIDs        []uuid.UUID        `json:"action_ids"`
	BaselineMetrics  map[string]float64 `json:"baseline_metrics,omitempty"`
	OutcomeMetrics   map[string]float64 `json:"outcome_metrics,omitempty"`
	LiftPct          *float64           `json:"lift_pct,omitempty"`
	Error            *string            `json:"error,omitempty"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	MonitorUntil     *time.Time         `json:"monitor_until,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// AgentDecision is the audit record each stage writes on completion.
type AgentDecision struct {
	ID         uuid.UUID `json:"id"`
	Stage      Stage     `json:"stage"`
	SubjectID  uuid.UUID `json:"subject_id"`
	Decision   string    `json:"decision"`
	Reasoning  string    `json:"reasoning"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// FeedbackKind is a human verdict on an AgentDecision.
type FeedbackKind string

const (
	FeedbackApprove FeedbackKind = "approve"
	FeedbackReject  FeedbackKind = "reject"
	FeedbackModify  FeedbackKind = "modify"
	FeedbackFlag    FeedbackKind = "flag"
)

// Valid reports whether k is a known feedback kind.
func (k FeedbackKind) Valid() bool {
	switch k {
	case FeedbackApprove, FeedbackReject, FeedbackModify, FeedbackFlag:
		return true
	}
	return false
}

// DecisionFeedback is stored for later review; nothing applies it
// automatically.
type DecisionFeedback struct {
	ID          uuid.UUID    `json:"id"`
	DecisionID  uuid.UUID    `json:"decision_id"`
	Kind        FeedbackKind `json:"kind"`
	Comment     string       `json:"comment,omitempty"`
	SubmittedBy string       `json:"submitted_by"`
	CreatedAt   time.Time    `json:"created_at"`
}

// StrategyEffectiveness is the observed average lift for a root cause.
type StrategyEffectiveness struct {
	RootCause  RootCause `json:"root_cause"`
	Samples    int       `json:"samples"`
	AvgLiftPct float64   `json:"avg_lift_pct"`
}
