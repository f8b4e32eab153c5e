package detectors

import (
	"context"
	"fmt"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// Trend reports sustained click direction: the month-over-month change and
// the weekly average change must agree.
type Trend struct{}

func (Trend) Name() string { return SourceTrend }

func (Trend) Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error) {
	c := cfg.Trend
	var out []model.InsightDraft
	for _, r := range w.Latest() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		mom, weekly := r.MoM.Clicks, r.WoWAvg.Clicks
		if mom == nil || weekly == nil {
			continue
		}

		var direction string
		var severity model.Severity
		switch {
		case *mom > c.RisingPct && *weekly > 0:
			direction, severity = "rising", model.SeverityLow
		case *mom < c.SevereFallingPct && *weekly < 0:
			direction, severity = "falling", model.SeverityHigh
		case *mom < c.FallingPct && *weekly < 0:
			direction, severity = "falling", model.SeverityMedium
		default:
			continue
		}

		d := w.draft(r.EntityKey, SourceTrend, model.CategoryTrend, severity, 0.6)
		d.Title = fmt.Sprintf("Clicks %s %.0f%% month over month", direction, *mom)
		d.Description = fmt.Sprintf("%s %s: 28-day average %.1f clicks/day, weekly average change %.0f%%.",
			r.EntityType, r.EntityID, r.Avg28.Clicks, *weekly)
		d.Metrics = model.TrendMetrics{
			Direction:       direction,
			ClicksAvg28:     round2(r.Avg28.Clicks),
			ClicksMoMPct:    round2(*mom),
			ClicksWoWAvgPct: round2(*weekly),
		}.Tagged()
		out = append(out, d)
	}
	return out, nil
}
