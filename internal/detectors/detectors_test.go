package detectors_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/detectors"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/timeseries"
)

func ptr[T any](v T) *T { return &v }

var day0 = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func dayN(n int) time.Time { return day0.AddDate(0, 0, n) }

// series describes a synthetic entity: per-day values for idx 0..len-1.
type series struct {
	key         model.EntityKey
	clicks      []float64
	conversions []float64
	impressions float64
	position    float64
	sessions    float64
	engaged     float64
}

func (s series) rows() ([]model.SearchRow, []model.EngagementRow) {
	var search []model.SearchRow
	var eng []model.EngagementRow
	for i, c := range s.clicks {
		search = append(search, model.SearchRow{
			Date: dayN(i), EntityKey: s.key, Clicks: c, Impressions: s.impressions, Position: ptr(s.position),
		})
		conv := 0.0
		if i < len(s.conversions) {
			conv = s.conversions[i]
		}
		eng = append(eng, model.EngagementRow{
			Date: dayN(i), EntityKey: s.key, Sessions: s.sessions, Conversions: conv, EngagedSessions: s.engaged,
		})
	}
	return search, eng
}

func window(t *testing.T, asOf int, all ...series) detectors.Window {
	t.Helper()
	var search []model.SearchRow
	var eng []model.EngagementRow
	for _, s := range all {
		a, b := s.rows()
		search = append(search, a...)
		eng = append(eng, b...)
	}
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{
		Search: search, Engagement: eng, From: dayN(0), AsOf: dayN(asOf),
	})
	return detectors.NewWindow(dayN(asOf), 28, rows, nil, nil)
}

func steps(first, second float64, n1, n2 int) []float64 {
	out := make([]float64, 0, n1+n2)
	for i := 0; i < n1; i++ {
		out = append(out, first)
	}
	for i := 0; i < n2; i++ {
		out = append(out, second)
	}
	return out
}

var pageX = model.EntityKey{Property: "example.com", EntityType: model.EntityPage, EntityID: "/x"}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRunner() *detectors.Runner {
	return detectors.NewRunner(nil, detectors.DefaultConfig(), discardLogger())
}

func TestDetectors_EmptyWindow(t *testing.T) {
	w := detectors.NewWindow(dayN(0), 28, nil, nil, nil)
	for _, d := range detectors.All() {
		t.Run(d.Name(), func(t *testing.T) {
			out, err := d.Detect(context.Background(), w, detectors.DefaultConfig())
			require.NoError(t, err)
			assert.Empty(t, out)
		})
	}
}

func TestDetectors_RowsWithMissingMetrics(t *testing.T) {
	rows := []model.UnifiedRow{
		{Date: dayN(0), EntityKey: pageX},
		{Date: dayN(0), EntityKey: model.EntityKey{Property: "example.com", EntityType: model.EntityDirectory, EntityID: "/blog/"}},
	}
	w := detectors.NewWindow(dayN(0), 28, rows, nil, nil)
	for _, d := range detectors.All() {
		out, err := d.Detect(context.Background(), w, detectors.DefaultConfig())
		require.NoError(t, err, d.Name())
		assert.Empty(t, out, d.Name())
	}
}

// Twenty days at 100 clicks / 10 conversions then ten days at half that.
// Evaluated on day 28.
func TestRunner_EndToEndDropIsOneHighRisk(t *testing.T) {
	x := series{
		key:         pageX,
		clicks:      steps(100, 50, 20, 10),
		conversions: steps(10, 5, 20, 10),
		impressions: 1000,
		position:    2,
		sessions:    200,
		engaged:     150,
	}
	w := window(t, 27, x)

	report, err := newRunner().Run(context.Background(), w)
	require.NoError(t, err)
	assert.Zero(t, report.Failures())
	require.Len(t, report.Drafts, 1)

	d := report.Drafts[0]
	assert.Equal(t, model.CategoryRisk, d.Category)
	assert.Equal(t, model.SeverityHigh, d.Severity)
	assert.Equal(t, detectors.SourceAnomaly, d.Source)
	require.NotNil(t, d.Metrics.Anomaly)
	assert.InDelta(t, -50.0, *d.Metrics.Anomaly.ClicksWoWPct, 5)
	assert.InDelta(t, -50.0, *d.Metrics.Anomaly.ConversionsWoWPct, 5)
}

func TestRunner_Idempotent(t *testing.T) {
	x := series{key: pageX, clicks: steps(100, 50, 20, 10), conversions: steps(10, 5, 20, 10),
		impressions: 1000, position: 2, sessions: 200, engaged: 150}
	w := window(t, 27, x)
	r := newRunner()

	a, err := r.Run(context.Background(), w)
	require.NoError(t, err)
	b, err := r.Run(context.Background(), w)
	require.NoError(t, err)

	ids := func(rep model.DetectionReport) []string {
		var out []string
		for _, d := range rep.Drafts {
			out = append(out, d.Fingerprint())
		}
		return out
	}
	assert.ElementsMatch(t, ids(a), ids(b))
}

func TestAnomaly_SingleMetricIsMedium(t *testing.T) {
	x := series{key: pageX, clicks: steps(100, 50, 20, 10), conversions: steps(10, 10, 20, 10),
		impressions: 1000, position: 2, sessions: 200, engaged: 150}
	out, err := detectors.Anomaly{}.Detect(context.Background(), window(t, 27, x), detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.SeverityMedium, out[0].Severity)
}

func TestAnomaly_NeedsTwoWeeksOfHistory(t *testing.T) {
	x := series{key: pageX, clicks: steps(100, 10, 8, 4), conversions: steps(10, 1, 8, 4),
		impressions: 1000, position: 2, sessions: 200, engaged: 150}
	out, err := detectors.Anomaly{}.Detect(context.Background(), window(t, 11, x), detectors.DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAnomaly_ImpressionSurgeIsOpportunity(t *testing.T) {
	s1 := series{key: pageX, clicks: steps(20, 20, 14, 0), impressions: 1000, position: 3}
	search, _ := s1.rows()
	for i := 7; i < 14; i++ {
		search[i].Impressions = 2000
	}
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{Search: search, From: dayN(0), AsOf: dayN(13)})
	w := detectors.NewWindow(dayN(13), 28, rows, nil, nil)

	out, err := detectors.Anomaly{}.Detect(context.Background(), w, detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.CategoryOpportunity, out[0].Category)
	assert.Equal(t, model.SeverityMedium, out[0].Severity)
}

func queryPages(query string, shares map[string][2]float64) []model.QueryPageRow {
	var out []model.QueryPageRow
	for page, v := range shares {
		out = append(out, model.QueryPageRow{
			Date: dayN(0), Property: "example.com", Query: query, Page: page,
			Impressions: v[0], Clicks: v[0] / 20, Position: v[1],
		})
	}
	return out
}

func TestCannibalization_Severities(t *testing.T) {
	cfg := detectors.DefaultConfig()
	cases := []struct {
		name  string
		pages map[string][2]float64
		want  model.Severity
		none  bool
	}{
		{"high", map[string][2]float64{"/a": {500, 4}, "/b": {400, 6}, "/c": {100, 9}}, model.SeverityHigh, false},
		{"medium", map[string][2]float64{"/a": {650, 3}, "/b": {300, 11}, "/c": {50, 20}}, model.SeverityMedium, false},
		{"low", map[string][2]float64{"/a": {780, 2}, "/b": {170, 30}, "/c": {50, 40}}, model.SeverityLow, false},
		{"dominant page", map[string][2]float64{"/a": {950, 1}, "/b": {50, 8}}, "", true},
		{"below floor", map[string][2]float64{"/a": {50, 4}, "/b": {40, 5}}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := detectors.NewWindow(dayN(0), 28, nil, queryPages("crm", tc.pages), nil)
			out, err := detectors.Cannibalization{}.Detect(context.Background(), w, cfg)
			require.NoError(t, err)
			if tc.none {
				assert.Empty(t, out)
				return
			}
			require.Len(t, out, 1)
			assert.Equal(t, tc.want, out[0].Severity)
			assert.Equal(t, model.EntityQuery, out[0].EntityType)
			assert.Equal(t, "crm", out[0].EntityID)
		})
	}
}

func TestCannibalization_LongQueryKeepsFinding(t *testing.T) {
	pages := map[string][2]float64{"/a": {100, 3}, "/b": {100, 4}}
	runner := detectors.NewRunner([]detectors.Detector{detectors.Cannibalization{}}, detectors.DefaultConfig(), discardLogger())

	for name, query := range map[string]string{
		"ascii": strings.Repeat("q", 330),
		"cjk":   strings.Repeat("検索", 60),
	} {
		t.Run(name, func(t *testing.T) {
			w := detectors.NewWindow(dayN(0), 28, nil, queryPages(query, pages), nil)
			report, err := runner.Run(context.Background(), w)
			require.NoError(t, err)
			require.Len(t, report.Drafts, 1)
			d := report.Drafts[0]
			assert.Equal(t, query, d.EntityID)
			assert.LessOrEqual(t, len(d.Title), model.MaxTitleLen)
			assert.True(t, utf8.ValidString(d.Title))
			assert.True(t, strings.HasPrefix(d.Title, `2 pages compete for "`))
			assert.NoError(t, model.ValidateInsightDraft(d))
		})
	}
}

func TestOpportunity_UnderperformingCTR(t *testing.T) {
	low := series{key: pageX, clicks: steps(5, 5, 28, 0), impressions: 1000, position: 6}
	good := series{key: model.EntityKey{Property: "example.com", EntityType: model.EntityPage, EntityID: "/good"},
		clicks: steps(60, 60, 28, 0), impressions: 1000, position: 6}
	top := series{key: model.EntityKey{Property: "example.com", EntityType: model.EntityPage, EntityID: "/top"},
		clicks: steps(5, 5, 28, 0), impressions: 1000, position: 2}

	out, err := detectors.Opportunity{}.Detect(context.Background(), window(t, 27, low, good, top), detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "/x", out[0].EntityID)
	assert.Equal(t, model.SeverityHigh, out[0].Severity)
	require.NotNil(t, out[0].Metrics.Opportunity)
	assert.Greater(t, out[0].Metrics.Opportunity.OpportunityIndex, 500.0)
}

func TestContentQuality_LowEngagement(t *testing.T) {
	poor := series{key: pageX, clicks: steps(5, 5, 10, 0), conversions: steps(0, 0, 10, 0),
		impressions: 100, position: 5, sessions: 10, engaged: 1}
	ok1 := series{key: model.EntityKey{Property: "example.com", EntityType: model.EntityPage, EntityID: "/ok1"},
		clicks: steps(5, 5, 10, 0), conversions: steps(1, 1, 10, 0), impressions: 100, position: 5, sessions: 10, engaged: 6}
	ok2 := ok1
	ok2.key.EntityID = "/ok2"

	out, err := detectors.ContentQuality{}.Detect(context.Background(), window(t, 9, poor, ok1, ok2), detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "/x", out[0].EntityID)
	assert.Equal(t, model.SeverityHigh, out[0].Severity)
}

func TestCWVQuality(t *testing.T) {
	s := series{key: pageX, clicks: steps(5, 5, 5, 0), impressions: 100, position: 5, sessions: 10, engaged: 5}
	search, eng := s.rows()
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{
		Search: search, Engagement: eng, From: dayN(0), AsOf: dayN(4),
		Vitals: []model.VitalsRow{{Date: dayN(4), Property: "example.com", Page: "/x", LCPMs: ptr(3000.0), CLS: ptr(0.3)}},
	})
	out, err := detectors.CWVQuality{}.Detect(context.Background(), detectors.NewWindow(dayN(4), 28, rows, nil, nil), detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.SeverityHigh, out[0].Severity)
	assert.ElementsMatch(t, []string{"lcp_needs_improvement", "cls_poor"}, out[0].Metrics.CWV.PoorSignals)
}

func TestDiagnosis_LinksToOrigin(t *testing.T) {
	x := series{key: pageX, clicks: steps(100, 50, 20, 10), conversions: steps(10, 5, 20, 10),
		impressions: 1000, position: 2, sessions: 200, engaged: 150}
	base := window(t, 27, x)
	origin := model.Insight{
		ID: "origin-id", Property: pageX.Property, EntityType: pageX.EntityType, EntityID: pageX.EntityID,
		Category: model.CategoryRisk, Severity: model.SeverityHigh, Source: detectors.SourceAnomaly,
		Status: model.InsightNew, Title: "Clicks down",
	}
	w := detectors.NewWindow(base.AsOf, 28, base.Rows, nil, []model.Insight{origin})

	out, err := detectors.Diagnosis{}.Detect(context.Background(), w, detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	d := out[0]
	assert.Equal(t, model.CategoryDiagnosis, d.Category)
	require.NotNil(t, d.LinkedInsightID)
	assert.Equal(t, "origin-id", *d.LinkedInsightID)
	assert.Equal(t, model.RootCauseContent, d.Metrics.Diagnosis.RootCause)
	assert.NoError(t, model.ValidateInsightDraft(d))

	origin.Title = "x" + strings.Repeat("é", 200)
	w = detectors.NewWindow(base.AsOf, 28, base.Rows, nil, []model.Insight{origin})
	out, err = detectors.Diagnosis{}.Detect(context.Background(), w, detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, utf8.ValidString(out[0].Title))
	assert.LessOrEqual(t, len(out[0].Title), model.MaxTitleLen)
}

func TestClassifyRootCause(t *testing.T) {
	cfg := detectors.DefaultConfig()
	row := func(impr, clicks, pos *float64) model.UnifiedRow {
		return model.UnifiedRow{WoWAvg: model.Changes{Impressions: impr, Clicks: clicks, PositionDelta: pos}}
	}

	assert.Equal(t, model.RootCauseTechnical, detectors.ClassifyRootCause(row(ptr(-70.0), ptr(-60.0), nil), nil, cfg).Cause)
	assert.Equal(t, model.RootCauseAlgorithmic, detectors.ClassifyRootCause(row(ptr(-10.0), ptr(-40.0), ptr(4.0)), nil, cfg).Cause)

	site := row(ptr(-20.0), ptr(-30.0), ptr(0.0))
	assert.Equal(t, model.RootCauseSeasonal, detectors.ClassifyRootCause(row(ptr(-20.0), ptr(-35.0), ptr(0.2)), &site, cfg).Cause)
	assert.Equal(t, model.RootCauseContent, detectors.ClassifyRootCause(row(ptr(0.0), ptr(-35.0), ptr(0.2)), nil, cfg).Cause)

	poor := row(nil, ptr(-30.0), nil)
	poor.Vitals = &model.Vitals{LCPMs: ptr(5000.0)}
	assert.Equal(t, model.RootCauseTechnical, detectors.ClassifyRootCause(poor, nil, cfg).Cause)
}

func TestTrend_Directions(t *testing.T) {
	rising := series{key: pageX, clicks: steps(10, 30, 25, 10), impressions: 1000, position: 3}
	out, err := detectors.Trend{}.Detect(context.Background(), window(t, 34, rising), detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.SeverityLow, out[0].Severity)
	assert.Equal(t, "rising", out[0].Metrics.Trend.Direction)

	falling := series{key: pageX, clicks: steps(100, 30, 25, 10), impressions: 1000, position: 3}
	out, err = detectors.Trend{}.Detect(context.Background(), window(t, 34, falling), detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.SeverityHigh, out[0].Severity)
}

func TestTopicStrategy(t *testing.T) {
	dir := series{key: model.EntityKey{Property: "example.com", EntityType: model.EntityDirectory, EntityID: "/guides/"},
		clicks: steps(20, 10, 25, 10), impressions: 1000, position: 14}
	search, _ := dir.rows()
	for i := 25; i < 35; i++ {
		search[i].Impressions = 2000
	}
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{Search: search, From: dayN(0), AsOf: dayN(34)})
	out, err := detectors.TopicStrategy{}.Detect(context.Background(), detectors.NewWindow(dayN(34), 28, rows, nil, nil), detectors.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out, 2)

	cats := []model.Category{out[0].Category, out[1].Category}
	assert.ElementsMatch(t, []model.Category{model.CategoryOpportunity, model.CategoryRisk}, cats)
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Detect(context.Context, detectors.Window, detectors.Config) ([]model.InsightDraft, error) {
	panic("boom")
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) Detect(context.Context, detectors.Window, detectors.Config) ([]model.InsightDraft, error) {
	return nil, errors.New("upstream shape changed")
}

func TestRunner_IsolatesFailures(t *testing.T) {
	x := series{key: pageX, clicks: steps(100, 50, 20, 10), conversions: steps(10, 5, 20, 10),
		impressions: 1000, position: 2, sessions: 200, engaged: 150}
	set := []detectors.Detector{panicky{}, failing{}, detectors.Anomaly{}}
	r := detectors.NewRunner(set, detectors.DefaultConfig(), discardLogger())

	report, err := r.Run(context.Background(), window(t, 27, x))
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, 2, report.Failures())
	assert.Contains(t, report.Results[0].Error, "panicked")
	assert.Equal(t, "upstream shape changed", report.Results[1].Error)
	assert.False(t, report.Results[2].Failed())
	assert.Len(t, report.Drafts, 1)
}

func TestRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newRunner().Run(ctx, detectors.NewWindow(dayN(0), 28, nil, nil, nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseThresholds(t *testing.T) {
	raw := []byte(`
aggregation:
  position_curve: [0.3, 0.2, 0.1]
detectors:
  concurrency: 2
  cannibalization:
    min_impressions: 500
  opportunity:
    ctr_ratio: 0.5
`)
	th, err := detectors.ParseThresholds(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, th.Detectors.Concurrency)
	assert.Equal(t, 500.0, th.Detectors.Cannibalization.MinImpressions)
	assert.Equal(t, 0.6, th.Detectors.Cannibalization.High.MaxTopShare, "unset keys keep defaults")
	assert.Equal(t, 0.5, th.Detectors.Opportunity.CTRRatio)
	assert.Equal(t, []float64{0.3, 0.2, 0.1}, th.Detectors.PositionCurve)

	_, err = detectors.ParseThresholds([]byte("detectors:\n  opportunity:\n    ctr_ratio: 2\n"))
	assert.Error(t, err)

	th, err = detectors.LoadThresholds("")
	require.NoError(t, err)
	assert.Equal(t, detectors.DefaultConfig(), th.Detectors)
}
