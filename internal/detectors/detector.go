// Package detectors turns aggregated rows into candidate Insights.
//
// Every detector is a pure function of a Window and a Config: it reads
// nothing else and writes nothing. Detectors never fail on empty input or on
// rows with missing metrics; such rows are skipped. The Runner executes the
// whole set concurrently and isolates each detector's failures.
package detectors

import (
	"context"
	"sort"
	"time"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/timeseries"
)

// Detector analyzes one Window and emits zero or more drafts.
type Detector interface {
	Name() string
	Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error)
}

// Source names written into Insight.Source. They are part of the fingerprint
// and must not change.
const (
	SourceAnomaly         = "anomaly"
	SourceCannibalization = "cannibalization"
	SourceContentQuality  = "content_quality"
	SourceCWVQuality      = "cwv_quality"
	SourceDiagnosis       = "diagnosis"
	SourceOpportunity     = "opportunity"
	SourceTopicStrategy   = "topic_strategy"
	SourceTrend           = "trend"
)

// All returns the standard detector set.
func All() []Detector {
	return []Detector{
		Anomaly{},
		Cannibalization{},
		ContentQuality{},
		CWVQuality{},
		Diagnosis{},
		Opportunity{},
		TopicStrategy{},
		Trend{},
	}
}

// Window is the read-only input of one detection pass.
type Window struct {
	AsOf       time.Time
	WindowDays int
	// Rows is the full aggregated history, including the days before the
	// window that were read for lags.
	Rows       []model.UnifiedRow
	QueryPages []model.QueryPageRow
	// OpenInsights are existing unresolved Insights, consumed by Diagnosis.
	OpenInsights []model.Insight

	latest  map[model.EntityKey]model.UnifiedRow
	history map[model.EntityKey][]model.UnifiedRow
}

// NewWindow indexes rows for detector access.
func NewWindow(asOf time.Time, windowDays int, rows []model.UnifiedRow, queryPages []model.QueryPageRow, open []model.Insight) Window {
	asOf = timeseries.Truncate(asOf)
	var kept []model.UnifiedRow
	for _, r := range rows {
		if !r.Date.After(asOf) {
			kept = append(kept, r)
		}
	}
	return Window{
		AsOf:         asOf,
		WindowDays:   windowDays,
		Rows:         kept,
		QueryPages:   queryPages,
		OpenInsights: open,
		latest:       timeseries.Latest(kept),
		history:      timeseries.ByEntity(kept),
	}
}

// Latest returns the most recent row of every entity in key order.
func (w Window) Latest() []model.UnifiedRow {
	out := make([]model.UnifiedRow, 0, len(w.latest))
	for _, r := range w.latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Property != b.Property {
			return a.Property < b.Property
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.EntityID < b.EntityID
	})
	return out
}

// LatestFor returns the most recent row of one entity.
func (w Window) LatestFor(k model.EntityKey) (model.UnifiedRow, bool) {
	r, ok := w.latest[k]
	return r, ok
}

// PropertyRow returns the latest property-level row for a property.
func (w Window) PropertyRow(property string) (model.UnifiedRow, bool) {
	return w.LatestFor(model.EntityKey{Property: property, EntityType: model.EntityProperty, EntityID: property})
}

// windowStart is the first date inside the window.
func (w Window) windowStart() time.Time {
	days := w.WindowDays
	if days <= 0 {
		days = 28
	}
	return w.AsOf.AddDate(0, 0, -(days - 1))
}

// Totals are window sums for one entity.
type Totals struct {
	Days            int
	Clicks          float64
	Impressions     float64
	Sessions        float64
	Conversions     float64
	EngagedSessions float64
	// Position is impression-weighted; nil when nothing had impressions.
	Position *float64
	// Vitals is the most recent non-empty vitals reading in the window.
	Vitals *model.Vitals
}

// CTR is clicks over impressions, 0 without impressions.
func (t Totals) CTR() float64 {
	if t.Impressions <= 0 {
		return 0
	}
	return t.Clicks / t.Impressions
}

// EngagementRate is engaged sessions over sessions, 0 without sessions.
func (t Totals) EngagementRate() float64 {
	if t.Sessions <= 0 {
		return 0
	}
	return t.EngagedSessions / t.Sessions
}

// ConversionEfficiency is conversions over sessions, 0 without sessions.
func (t Totals) ConversionEfficiency() float64 {
	if t.Sessions <= 0 {
		return 0
	}
	return t.Conversions / t.Sessions
}

// Totals sums an entity's rows inside the window.
func (w Window) Totals(k model.EntityKey) Totals {
	var t Totals
	var posWeighted float64
	var posImpr float64
	start := w.windowStart()
	for _, r := range w.history[k] {
		if r.Date.Before(start) {
			continue
		}
		t.Days++
		t.Clicks += r.Clicks
		t.Impressions += r.Impressions
		t.Sessions += r.Sessions
		t.Conversions += r.Conversions
		t.EngagedSessions += r.EngagedSessions
		if r.Position != nil && r.Impressions > 0 {
			posWeighted += *r.Position * r.Impressions
			posImpr += r.Impressions
		}
		if r.Vitals != nil {
			t.Vitals = r.Vitals
		}
	}
	if posImpr > 0 {
		p := posWeighted / posImpr
		t.Position = &p
	}
	return t
}

func (w Window) draft(k model.EntityKey, source string, category model.Category, severity model.Severity, confidence float64) model.InsightDraft {
	return model.InsightDraft{
		Property:    k.Property,
		EntityType:  k.EntityType,
		EntityID:    k.EntityID,
		Category:    category,
		Severity:    severity,
		Confidence:  clamp01(confidence),
		WindowDays:  w.windowDays(),
		Source:      source,
		GeneratedAt: w.AsOf,
	}
}

func (w Window) windowDays() int {
	if w.WindowDays <= 0 {
		return 28
	}
	return w.WindowDays
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return float64(int64(v*100+0.5)) / 100
}
