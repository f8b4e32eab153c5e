package detectors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// Cannibalization flags queries where several pages split the impressions.
// Queries below the volume floor are ignored.
type Cannibalization struct{}

func (Cannibalization) Name() string { return SourceCannibalization }

type queryKey struct {
	property string
	query    string
}

type pageAgg struct {
	page        string
	clicks      float64
	impressions float64
	posWeighted float64
}

func (Cannibalization) Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error) {
	c := cfg.Cannibalization
	start := w.windowStart()

	byQuery := map[queryKey]map[string]*pageAgg{}
	for _, qp := range w.QueryPages {
		if qp.Query == "" || qp.Page == "" || qp.Impressions <= 0 {
			continue
		}
		if qp.Date.Before(start) || qp.Date.After(w.AsOf) {
			continue
		}
		k := queryKey{qp.Property, qp.Query}
		pages, ok := byQuery[k]
		if !ok {
			pages = map[string]*pageAgg{}
			byQuery[k] = pages
		}
		p, ok := pages[qp.Page]
		if !ok {
			p = &pageAgg{page: qp.Page}
			pages[qp.Page] = p
		}
		p.clicks += qp.Clicks
		p.impressions += qp.Impressions
		p.posWeighted += qp.Position * qp.Impressions
	}

	keys := make([]queryKey, 0, len(byQuery))
	for k := range byQuery {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].property != keys[j].property {
			return keys[i].property < keys[j].property
		}
		return keys[i].query < keys[j].query
	})

	var out []model.InsightDraft
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		pages := byQuery[k]
		if len(pages) < c.MinPages {
			continue
		}
		ranked := make([]*pageAgg, 0, len(pages))
		var total float64
		for _, p := range pages {
			ranked = append(ranked, p)
			total += p.impressions
		}
		if total <= c.MinImpressions {
			continue
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].impressions != ranked[j].impressions {
				return ranked[i].impressions > ranked[j].impressions
			}
			return ranked[i].page < ranked[j].page
		})

		top, second := ranked[0], ranked[1]
		topShare := top.impressions / total
		secondShare := second.impressions / total
		gap := math.Abs(top.posWeighted/top.impressions - second.posWeighted/second.impressions)

		var severity model.Severity
		switch {
		case c.High.matches(topShare, secondShare, gap):
			severity = model.SeverityHigh
		case c.Medium.matches(topShare, secondShare, gap):
			severity = model.SeverityMedium
		case c.Low.matches(topShare, secondShare, gap):
			severity = model.SeverityLow
		default:
			continue
		}

		m := model.CannibalizationMetrics{
			TotalImpressions: round2(total),
			TopShare:         round2(topShare),
			SecondShare:      round2(secondShare),
			PositionGap:      round2(gap),
			PageCount:        float64(len(ranked)),
		}
		for _, p := range ranked {
			m.Pages = append(m.Pages, model.CannibalizedPage{
				Page:        p.page,
				Impressions: p.impressions,
				Clicks:      p.clicks,
				Share:       round2(p.impressions / total),
				Position:    round2(p.posWeighted / p.impressions),
			})
		}

		key := model.EntityKey{Property: k.property, EntityType: model.EntityQuery, EntityID: k.query}
		d := w.draft(key, SourceCannibalization, model.CategoryRisk, severity, 0.5+secondShare)
		d.Title = competeTitle(len(ranked), k.query)
		d.Description = fmt.Sprintf("Top page %s holds %.0f%% of impressions, %s holds %.0f%%; positions differ by %.1f.",
			top.page, topShare*100, second.page, secondShare*100, gap)
		d.Metrics = m.Tagged()
		out = append(out, d)
	}
	return out, nil
}

// competeTitle shortens the query so the title stays within MaxTitleLen.
func competeTitle(pages int, query string) string {
	prefix := fmt.Sprintf("%d pages compete for ", pages)
	q := strconv.Quote(query)
	if len(prefix)+len(q) <= model.MaxTitleLen {
		return prefix + q
	}
	const ellipsis = "…"
	room := model.MaxTitleLen - len(prefix) - len(`""`) - len(ellipsis)
	return prefix + `"` + model.TruncateUTF8(query, room) + ellipsis + `"`
}
