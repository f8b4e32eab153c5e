package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// Diagnosis explains open risk Insights. Each diagnosis is its own Insight
// linked back to the risk it explains.
type Diagnosis struct{}

func (Diagnosis) Name() string { return SourceDiagnosis }

// RootCauseResult is the outcome of ClassifyRootCause.
type RootCauseResult struct {
	Cause      model.RootCause
	Confidence float64
	Signals    map[string]float64
	Evidence   []string
}

// ClassifyRootCause picks the most likely explanation for an entity's
// decline. Checks run in order: technical, algorithmic, seasonal, and
// content as the fallback. property is the property-level row when one
// exists.
func ClassifyRootCause(row model.UnifiedRow, property *model.UnifiedRow, cfg Config) RootCauseResult {
	c := cfg.Diagnosis
	res := RootCauseResult{Signals: map[string]float64{}}
	if v := row.WoWAvg.Impressions; v != nil {
		res.Signals["impressions_wow_avg_pct"] = round2(*v)
	}
	if v := row.WoWAvg.Clicks; v != nil {
		res.Signals["clicks_wow_avg_pct"] = round2(*v)
	}
	if v := row.WoWAvg.PositionDelta; v != nil {
		res.Signals["position_wow_delta"] = round2(*v)
	}
	res.Signals["ctr"] = round4(row.CTR)
	res.Signals["engagement_rate"] = round4(row.EngagementRate)

	vitalsClass, vitalsSignals := ClassifyVitals(row.Vitals, cfg.CWV)
	if v := row.WoWAvg.Impressions; v != nil && *v <= c.ImpressionCollapsePct {
		res.Cause = model.RootCauseTechnical
		res.Confidence = 0.8
		res.Evidence = append(res.Evidence, fmt.Sprintf("impressions collapsed %.0f%% week over week", *v))
		return res
	}
	if vitalsClass == VitalsPoor {
		res.Cause = model.RootCauseTechnical
		res.Confidence = 0.7
		for _, s := range vitalsSignals {
			res.Evidence = append(res.Evidence, "core web vitals: "+s)
		}
		return res
	}
	if v := row.WoWAvg.PositionDelta; v != nil && *v >= c.PositionWorsening {
		res.Cause = model.RootCauseAlgorithmic
		res.Confidence = 0.7
		res.Evidence = append(res.Evidence, fmt.Sprintf("average position worsened by %.1f", *v))
		return res
	}
	if property != nil && property.WoWAvg.Clicks != nil && row.WoWAvg.Clicks != nil {
		site, entity := *property.WoWAvg.Clicks, *row.WoWAvg.Clicks
		stable := row.WoWAvg.PositionDelta == nil || math.Abs(*row.WoWAvg.PositionDelta) < c.StablePositionDelta
		res.Signals["property_clicks_wow_avg_pct"] = round2(site)
		if site < 0 && math.Abs(site-entity) <= c.SeasonalTolerancePts && stable {
			res.Cause = model.RootCauseSeasonal
			res.Confidence = 0.6
			res.Evidence = append(res.Evidence,
				fmt.Sprintf("whole property moved %.0f%% vs %.0f%% for the entity with stable rankings", site, entity))
			return res
		}
	}
	res.Cause = model.RootCauseContent
	res.Confidence = 0.5
	res.Evidence = append(res.Evidence, "rankings and visibility held; click-through or engagement decayed")
	return res
}

func (Diagnosis) Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error) {
	var out []model.InsightDraft
	for _, in := range w.OpenInsights {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if in.Category != model.CategoryRisk || !in.IsOpen() || in.Source == SourceDiagnosis {
			continue
		}
		key := model.EntityKey{Property: in.Property, EntityType: in.EntityType, EntityID: in.EntityID}
		row, ok := w.LatestFor(key)
		if !ok {
			continue
		}
		var prop *model.UnifiedRow
		if p, ok := w.PropertyRow(in.Property); ok && key.EntityType != model.EntityProperty {
			prop = &p
		}
		res := ClassifyRootCause(row, prop, cfg)

		origin := in.ID
		d := w.draft(key, SourceDiagnosis, model.CategoryDiagnosis, in.Severity, res.Confidence)
		d.LinkedInsightID = &origin
		d.Title = model.TruncateTitle(fmt.Sprintf("Likely %s cause: %s", res.Cause, in.Title))
		d.Description = fmt.Sprintf("Diagnosis of %s insight %s.", in.Source, in.ID)
		d.Metrics = model.DiagnosisMetrics{
			RootCause:    res.Cause,
			OriginSource: in.Source,
			Signals:      res.Signals,
			Evidence:     res.Evidence,
		}.Tagged()
		out = append(out, d)
	}
	return out, nil
}
