package model

import (
	"time"

	"github.com/google/uuid"
)

// DetectorResult summarizes one detector within a run. Err is set when the
// detector failed; the run continues regardless.
type DetectorResult struct {
	Detector string        `json:"detector"`
	Drafts   int           `json:"drafts"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Failed reports whether the detector returned an error or panicked.
func (r DetectorResult) Failed() bool { return r.Error != "" }

// DetectionReport is what one pass of the detector set produced.
type DetectionReport struct {
	Drafts  []InsightDraft   `json:"-"`
	Results []DetectorResult `json:"results"`
}

// Failures counts failed detectors.
func (r DetectionReport) Failures() int {
	n := 0
	for _, res := range r.Results {
		if res.Failed() {
			n++
		}
	}
	return n
}

// StageResult counts what one pipeline stage did during a run.
type StageResult struct {
	Stage     Stage         `json:"stage"`
	Claimed   int           `json:"claimed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Add folds another result for the same stage into r.
func (r *StageResult) Add(o StageResult) {
	r.Claimed += o.Claimed
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Elapsed += o.Elapsed
}

// AggregationStats describes the aggregation step of a run.
type AggregationStats struct {
	SearchRows     int `json:"search_rows"`
	EngagementRows int `json:"engagement_rows"`
	UnifiedRows    int `json:"unified_rows"`
	Entities       int `json:"entities"`
	Flagged        int `json:"flagged"`
}

// AlertStats counts alert decisions in a run.
type AlertStats struct {
	Evaluated  int `json:"evaluated"`
	Opened     int `json:"opened"`
	Suppressed int `json:"suppressed"`
	Enqueued   int `json:"enqueued"`
}

// RunReport is the summary of one refresh run.
type RunReport struct {
	AsOf             time.Time        `json:"as_of"`
	Aggregation      AggregationStats `json:"aggregation"`
	Detectors        []DetectorResult `json:"detectors"`
	InsightsUpserted int              `json:"insights_upserted"`
	InsightsRejected int              `json:"insights_rejected"`
	ActionsDerived   int              `json:"actions_derived"`
	Stages           []StageResult    `json:"stages"`
	Alerts           AlertStats       `json:"alerts"`
	Cancelled        bool             `json:"cancelled,omitempty"`
}

// RunStatus is the lifecycle state of a refresh run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RefreshRun is the persisted record of a refresh run.
type RefreshRun struct {
	ID          uuid.UUID  `json:"id"`
	AsOf        time.Time  `json:"as_of"`
	Trigger     string     `json:"trigger"`
	Status      RunStatus  `json:"status"`
	Report      *RunReport `json:"report,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
