package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// Anomaly flags sharp week-over-week moves in the 7-day averages.
//
// Clicks and conversions both falling past their thresholds is a high risk;
// either one alone is medium. An impressions surge is a separate opportunity.
type Anomaly struct{}

func (Anomaly) Name() string { return SourceAnomaly }

func (Anomaly) Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error) {
	c := cfg.Anomaly
	var out []model.InsightDraft
	for _, r := range w.Latest() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if r.HistoryDays < c.MinHistoryDays || r.PrevAvg7 == nil || r.WoWAvg.Clicks == nil {
			continue
		}
		prevClicks := r.PrevAvg7.Clicks
		if math.Max(r.Avg7.Clicks, prevClicks) < c.MinAvgClicks {
			continue
		}

		metrics := model.AnomalyMetrics{
			AsOf:                r.Date,
			ClicksAvg7:          round2(r.Avg7.Clicks),
			ClicksPrevAvg7:      round2(prevClicks),
			ClicksWoWPct:        roundPtr(r.WoWAvg.Clicks),
			ConversionsAvg7:     round2(r.Avg7.Conversions),
			ConversionsPrevAvg7: round2(r.PrevAvg7.Conversions),
			ConversionsWoWPct:   roundPtr(r.WoWAvg.Conversions),
			ImpressionsAvg7:     round2(r.Avg7.Impressions),
			ImpressionsWoWPct:   roundPtr(r.WoWAvg.Impressions),
			PositionWoWDelta:    roundPtr(r.WoWAvg.PositionDelta),
		}
		flagged := r.HasFlag(model.FlagClicksWoWExtreme) || r.HasFlag(model.FlagConversionsWoWExtreme)
		if flagged {
			metrics.DataQualityReviewNote = "week-over-week change exceeds the data-quality limit"
		}

		clicksDown := below(r.WoWAvg.Clicks, c.ClicksDropPct)
		convDown := below(r.WoWAvg.Conversions, c.ConversionsDropPct)
		if clicksDown || convDown {
			severity := model.SeverityMedium
			conf := 0.65
			title := fmt.Sprintf("Clicks down %.0f%% week over week", -deref(r.WoWAvg.Clicks))
			if clicksDown && convDown {
				severity = model.SeverityHigh
				conf = 0.85
				title = fmt.Sprintf("Clicks and conversions down %.0f%% / %.0f%% week over week",
					-deref(r.WoWAvg.Clicks), -deref(r.WoWAvg.Conversions))
			} else if convDown {
				title = fmt.Sprintf("Conversions down %.0f%% week over week", -deref(r.WoWAvg.Conversions))
			}
			if flagged {
				conf -= 0.2
			}
			d := w.draft(r.EntityKey, SourceAnomaly, model.CategoryRisk, severity, conf)
			d.Title = title
			d.Description = fmt.Sprintf("%s %s: 7-day average clicks %.1f vs %.1f the week before.",
				r.EntityType, r.EntityID, r.Avg7.Clicks, prevClicks)
			d.Metrics = metrics.Tagged()
			out = append(out, d)
		}

		if r.WoWAvg.Impressions != nil && *r.WoWAvg.Impressions > c.ImpressionsSurgePct {
			conf := 0.6
			if r.HasFlag(model.FlagImpressionsWoWExtreme) {
				conf -= 0.2
			}
			d := w.draft(r.EntityKey, SourceAnomaly, model.CategoryOpportunity, model.SeverityMedium, conf)
			d.Title = fmt.Sprintf("Impressions up %.0f%% week over week", *r.WoWAvg.Impressions)
			d.Description = fmt.Sprintf("%s %s is gaining visibility; check that titles and snippets convert it into clicks.",
				r.EntityType, r.EntityID)
			d.Metrics = metrics.Tagged()
			out = append(out, d)
		}
	}
	return out, nil
}

func below(v *float64, threshold float64) bool {
	return v != nil && *v < threshold
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round2(*v)
	return &r
}
