package mcp

import (
	"math"

	"github.com/ashita-ai/mitoshi/internal/model"
)

const maxCompactDescription = 200

// compactInsight drops the metrics payload and bookkeeping timestamps.
// mitoshi_insight returns the full record.
func compactInsight(in model.Insight) map[string]any {
	m := map[string]any{
		"id":          in.ID,
		"property":    in.Property,
		"entity":      string(in.EntityType) + ":" + in.EntityID,
		"category":    in.Category,
		"severity":    in.Severity,
		"confidence":  round3(in.Confidence),
		"title":       in.Title,
		"status":      in.Status,
		"source":      in.Source,
		"metrics":     in.Metrics.Kind,
		"description": truncate(in.Description, maxCompactDescription),
		"updated_at":  in.UpdatedAt,
	}
	if in.LinkedInsightID != nil {
		m["linked_insight_id"] = *in.LinkedInsightID
	}
	return m
}

func compactAction(a model.Action) map[string]any {
	m := map[string]any{
		"id":         a.ID,
		"insight_id": a.InsightID,
		"title":      a.Title,
		"type":       a.ActionType,
		"priority":   round3(a.PriorityScore),
		"impact":     a.ImpactScore,
		"effort":     a.EffortScore,
		"urgency":    a.Urgency,
		"status":     a.Status,
	}
	if a.Owner != nil {
		m["owner"] = *a.Owner
	}
	if a.DueDate != nil {
		m["due_date"] = a.DueDate.Format("2006-01-02")
	}
	if a.Outcome != "" {
		m["outcome"] = a.Outcome
	}
	if a.LiftPct != nil {
		m["lift_pct"] = round3(*a.LiftPct)
	}
	return m
}

func compactAlert(h model.AlertHistory) map[string]any {
	m := map[string]any{
		"id":           h.ID,
		"property":     h.Property,
		"type":         h.AlertType,
		"severity":     h.Severity,
		"title":        h.Title,
		"status":       h.Status,
		"triggered_at": h.TriggeredAt,
	}
	if h.InsightID != nil {
		m["insight_id"] = *h.InsightID
	}
	if h.SuppressionReason != nil {
		m["suppression_reason"] = *h.SuppressionReason
	}
	if h.ResolvedBy != nil {
		m["resolved_by"] = *h.ResolvedBy
	}
	return m
}

func compactRun(r model.RefreshRun) map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"as_of":      r.AsOf.Format("2006-01-02"),
		"trigger":    r.Trigger,
		"status":     r.Status,
		"started_at": r.StartedAt,
	}
	if r.Report != nil {
		m["insights_upserted"] = r.Report.InsightsUpserted
		m["actions_derived"] = r.Report.ActionsDerived
		m["alerts_opened"] = r.Report.Alerts.Opened
	}
	if r.Error != nil {
		m["error"] = truncate(*r.Error, maxCompactDescription)
	}
	return m
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// truncate cuts s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
