package detectors

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// ContentQuality flags pages with enough traffic but weak engagement.
type ContentQuality struct{}

func (ContentQuality) Name() string { return SourceContentQuality }

func (ContentQuality) Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error) {
	c := cfg.ContentQuality

	type candidate struct {
		row    model.UnifiedRow
		totals Totals
	}
	var pages []candidate
	efficiencies := map[string][]float64{}
	for _, r := range w.Latest() {
		if r.EntityType != model.EntityPage {
			continue
		}
		t := w.Totals(r.EntityKey)
		if t.Sessions < c.MinSessions {
			continue
		}
		pages = append(pages, candidate{row: r, totals: t})
		efficiencies[r.Property] = append(efficiencies[r.Property], t.ConversionEfficiency())
	}
	medians := make(map[string]float64, len(efficiencies))
	for prop, vals := range efficiencies {
		medians[prop] = median(vals)
	}

	var out []model.InsightDraft
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rate := p.totals.EngagementRate()
		if rate >= c.LowEngagementRate {
			continue
		}
		eff := p.totals.ConversionEfficiency()
		med := medians[p.row.Property]

		severity := model.SeverityMedium
		if rate < c.SevereEngagementRate && eff < med*c.EfficiencyRatio {
			severity = model.SeverityHigh
		}
		d := w.draft(p.row.EntityKey, SourceContentQuality, model.CategoryRisk, severity, 0.5+(c.LowEngagementRate-rate))
		d.Title = fmt.Sprintf("Low engagement on %s (%.0f%%)", p.row.EntityID, rate*100)
		d.Description = fmt.Sprintf("%.0f sessions in %d days with %.0f%% engaged; conversion efficiency %.3f vs property median %.3f.",
			p.totals.Sessions, p.totals.Days, rate*100, eff, med)
		d.Metrics = model.ContentQualityMetrics{
			Sessions:                 p.totals.Sessions,
			EngagementRate:           round4(rate),
			ConversionEfficiency:     round4(eff),
			PropertyMedianEfficiency: round4(med),
			QualityScore:             round2(p.row.QualityScore),
		}.Tagged()
		out = append(out, d)
	}
	return out, nil
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

func round4(v float64) float64 {
	return round2(v*100) / 100
}
