package actions

import (
	"fmt"

	"github.com/ashita-ai/mitoshi/internal/detectors"
	"github.com/ashita-ai/mitoshi/internal/model"
)

// Play is one kind of work the deriver can propose for an Insight.
type Play struct {
	ActionType  string
	Title       string
	Description string
	Impact      int
	Effort      int
}

type playKey struct {
	source   string
	category model.Category
}

// playbook maps what a detector found to the work that usually fixes it.
var playbook = map[playKey][]Play{
	{detectors.SourceAnomaly, model.CategoryRisk}: {
		{"investigate_traffic_drop", "Investigate traffic drop",
			"Compare the affected entity against deploys, indexing reports and ranking changes for the week of the drop.",
			8, 3},
	},
	{detectors.SourceAnomaly, model.CategoryOpportunity}: {
		{"capitalize_impression_surge", "Capitalize on impression surge",
			"Review titles and snippets for the queries driving new impressions so the extra visibility converts to clicks.",
			6, 3},
	},
	{detectors.SourceCannibalization, model.CategoryRisk}: {
		{"consolidate_competing_pages", "Consolidate competing pages",
			"Merge or canonicalize pages splitting impressions for the same query and point internal links at the winner.",
			7, 5},
	},
	{detectors.SourceContentQuality, model.CategoryRisk}: {
		{"improve_content_engagement", "Improve content engagement",
			"Rework the opening, layout and calls to action of the page to lift engagement and conversions.",
			6, 5},
	},
	{detectors.SourceCWVQuality, model.CategoryRisk}: {
		{"fix_core_web_vitals", "Fix Core Web Vitals",
			"Address the poor LCP, CLS or INP measurements reported for the page.",
			7, 6},
	},
	{detectors.SourceOpportunity, model.CategoryOpportunity}: {
		{"optimize_title_and_meta", "Optimize title and meta description",
			"Rewrite the title and description to close the gap between actual and expected CTR for the current position.",
			6, 2},
	},
	{detectors.SourceTopicStrategy, model.CategoryOpportunity}: {
		{"expand_topic_cluster", "Expand growing topic cluster",
			"Add supporting content to the directory whose impressions are rising but which still ranks beyond page one.",
			7, 7},
	},
	{detectors.SourceTopicStrategy, model.CategoryRisk}: {
		{"refresh_topic_cluster", "Refresh declining topic cluster",
			"Update the directory's strongest pages and prune thin ones to stop the month-over-month click decline.",
			6, 6},
	},
	{detectors.SourceTrend, model.CategoryTrend}: {
		{"review_trend", "Review sustained trend",
			"Confirm whether the sustained movement is expected and adjust priorities for the entity.",
			4, 2},
	},
}

// diagnosisPlays maps a classified root cause to its remediation.
var diagnosisPlays = map[model.RootCause][]Play{
	model.RootCauseTechnical: {
		{"fix_technical_issue", "Fix technical issue",
			"Check crawlability, indexing status, redirects and page speed for the affected entity.",
			9, 4},
	},
	model.RootCauseContent: {
		{"refresh_content", "Refresh content",
			"Update the content to match current search intent and improve engagement.",
			7, 5},
	},
	model.RootCauseAlgorithmic: {
		{"audit_ranking_loss", "Audit ranking loss",
			"Compare the entity with the pages that overtook it and close gaps in depth, authority and freshness.",
			8, 6},
	},
	model.RootCauseSeasonal: {
		{"monitor_seasonal_decline", "Monitor seasonal decline",
			"The decline tracks the whole property; watch for recovery and plan content ahead of the next season.",
			3, 1},
	},
}

// PlaysFor returns the plays that apply to in. Insights the playbook does
// not cover yield nil.
func PlaysFor(in model.Insight) []Play {
	if in.Category == model.CategoryDiagnosis {
		if in.Metrics.Diagnosis == nil {
			return nil
		}
		return diagnosisPlays[in.Metrics.Diagnosis.RootCause]
	}
	return playbook[playKey{source: in.Source, category: in.Category}]
}

// PlaysForCause returns the remediation plays for a root cause.
func PlaysForCause(cause model.RootCause) []Play {
	return diagnosisPlays[cause]
}

// UrgencyFor maps severity to urgency. A high-severity anomaly risk is
// critical.
func UrgencyFor(in model.Insight) model.Urgency {
	switch in.Severity {
	case model.SeverityHigh:
		if in.Source == detectors.SourceAnomaly && in.Category == model.CategoryRisk {
			return model.UrgencyCritical
		}
		return model.UrgencyHigh
	case model.SeverityMedium:
		return model.UrgencyMedium
	}
	return model.UrgencyLow
}

// Derive builds the action drafts for one Insight. baseline becomes the
// drafts' metrics_before and may be nil.
func Derive(in model.Insight, baseline map[string]float64) []model.ActionDraft {
	plays := PlaysFor(in)
	out := make([]model.ActionDraft, 0, len(plays))
	urgency := UrgencyFor(in)
	for _, p := range plays {
		out = append(out, model.ActionDraft{
			InsightID:     in.ID,
			Property:      in.Property,
			ActionType:    p.ActionType,
			Category:      in.Category,
			Title:         title(p.Title, in.EntityID),
			Description:   p.Description,
			ImpactScore:   p.Impact,
			EffortScore:   p.Effort,
			Urgency:       urgency,
			MetricsBefore: baseline,
		})
	}
	return out
}

// DraftsForItems builds action drafts for a recommendation's action items
// on the insight they remediate. Urgency follows the insight.
func DraftsForItems(in model.Insight, items []model.ActionItem, baseline map[string]float64) []model.ActionDraft {
	out := make([]model.ActionDraft, 0, len(items))
	urgency := UrgencyFor(in)
	for _, it := range items {
		out = append(out, model.ActionDraft{
			InsightID:     in.ID,
			Property:      in.Property,
			ActionType:    it.ActionType,
			Category:      in.Category,
			Title:         title(it.Title, in.EntityID),
			Description:   it.Description,
			ImpactScore:   it.ImpactScore,
			EffortScore:   it.EffortScore,
			Urgency:       urgency,
			MetricsBefore: baseline,
		})
	}
	return out
}

func title(play, entity string) string {
	return model.TruncateTitle(fmt.Sprintf("%s: %s", play, entity))
}
