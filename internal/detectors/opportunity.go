package detectors

import (
	"context"
	"fmt"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/timeseries"
)

// Opportunity flags entities ranking on page one or two whose click-through
// rate trails what their position should earn.
type Opportunity struct{}

func (Opportunity) Name() string { return SourceOpportunity }

func (Opportunity) Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error) {
	c := cfg.Opportunity
	var out []model.InsightDraft
	for _, r := range w.Latest() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if r.EntityType == model.EntityProperty {
			continue
		}
		t := w.Totals(r.EntityKey)
		if t.Impressions <= c.MinImpressions || t.Position == nil {
			continue
		}
		pos := *t.Position
		if pos < c.MinPosition || pos > c.MaxPosition {
			continue
		}
		expected := timeseries.ExpectedCTR(cfg.PositionCurve, pos)
		ctr := t.CTR()
		if expected <= 0 || ctr >= expected*c.CTRRatio {
			continue
		}
		index := t.Impressions * (expected - ctr)

		severity := model.SeverityLow
		switch {
		case index >= c.HighIndex:
			severity = model.SeverityHigh
		case index >= c.MediumIndex:
			severity = model.SeverityMedium
		}
		d := w.draft(r.EntityKey, SourceOpportunity, model.CategoryOpportunity, severity, 0.5+0.5*(1-ctr/expected))
		d.Title = fmt.Sprintf("CTR %.1f%% at position %.1f, expected %.1f%%", ctr*100, pos, expected*100)
		d.Description = fmt.Sprintf("About %.0f more clicks in %d days if %s %s matched the expected click-through rate.",
			index, t.Days, r.EntityType, r.EntityID)
		d.Metrics = model.OpportunityMetrics{
			Impressions:      t.Impressions,
			Clicks:           t.Clicks,
			CTR:              round4(ctr),
			ExpectedCTR:      round4(expected),
			Position:         round2(pos),
			OpportunityIndex: round2(index),
		}.Tagged()
		out = append(out, d)
	}
	return out, nil
}
