package detectors

import (
	"context"
	"fmt"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// TopicStrategy watches directories month over month: growing visibility
// while still ranking off page one is an opportunity; falling clicks is a
// risk.
type TopicStrategy struct{}

func (TopicStrategy) Name() string { return SourceTopicStrategy }

func (TopicStrategy) Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error) {
	c := cfg.TopicStrategy
	var out []model.InsightDraft
	for _, r := range w.Latest() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if r.EntityType != model.EntityDirectory {
			continue
		}
		metrics := func(direction string) model.InsightMetrics {
			m := model.TopicStrategyMetrics{
				Direction:         direction,
				Impressions:       round2(r.Avg28.Impressions),
				Clicks:            round2(r.Avg28.Clicks),
				ImpressionsMoMPct: roundPtr(r.MoM.Impressions),
				ClicksMoMPct:      roundPtr(r.MoM.Clicks),
			}
			if r.Avg28.Position != nil {
				m.Position = round2(*r.Avg28.Position)
			}
			return m.Tagged()
		}

		if v := r.MoM.Impressions; v != nil && *v > c.ImpressionsGrowthPct &&
			r.Avg28.Position != nil && *r.Avg28.Position > c.MinPosition {
			d := w.draft(r.EntityKey, SourceTopicStrategy, model.CategoryOpportunity, model.SeverityMedium, 0.6)
			d.Title = fmt.Sprintf("Topic %s gaining visibility (+%.0f%% impressions)", r.EntityID, *v)
			d.Description = fmt.Sprintf("Average position %.1f: deepen coverage to reach page one.", *r.Avg28.Position)
			d.Metrics = metrics("rising")
			out = append(out, d)
		}
		if v := r.MoM.Clicks; v != nil && *v < c.ClicksDeclinePct {
			d := w.draft(r.EntityKey, SourceTopicStrategy, model.CategoryRisk, model.SeverityMedium, 0.6)
			d.Title = fmt.Sprintf("Topic %s losing clicks (%.0f%% month over month)", r.EntityID, *v)
			d.Description = "Review the directory's content freshness and internal linking."
			d.Metrics = metrics("falling")
			out = append(out, d)
		}
	}
	return out, nil
}
