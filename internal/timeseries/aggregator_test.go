package timeseries_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/timeseries"
)

func ptr[T any](v T) *T { return &v }

var (
	start = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	page  = model.EntityKey{Property: "example.com", EntityType: model.EntityPage, EntityID: "/pricing"}
)

func dayN(n int) time.Time { return start.AddDate(0, 0, n) }

func searchSeries(key model.EntityKey, clicks []float64, impressions float64, position float64) []model.SearchRow {
	rows := make([]model.SearchRow, len(clicks))
	for i, c := range clicks {
		rows[i] = model.SearchRow{Date: dayN(i), EntityKey: key, Clicks: c, Impressions: impressions, Position: ptr(position)}
	}
	return rows
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestPctChange(t *testing.T) {
	assert.InDelta(t, 100.0, *timeseries.PctChange(100, 50), 1e-9)
	assert.InDelta(t, -50.0, *timeseries.PctChange(50, 100), 1e-9)
	assert.InDelta(t, 100.0, *timeseries.PctChange(5, 0), 1e-9)
	assert.Nil(t, timeseries.PctChange(0, 0))
}

func TestAggregate_ConstantSeriesHasZeroWoW(t *testing.T) {
	agg := timeseries.New(timeseries.DefaultConfig())
	rows := agg.Aggregate(timeseries.Input{
		Search: searchSeries(page, constant(14, 40), 1000, 5),
		From:   dayN(0),
		AsOf:   dayN(13),
	})
	require.Len(t, rows, 14)

	for i, r := range rows {
		if i < 7 {
			assert.Nil(t, r.WoW.Clicks, "day %d has no 7-day history", i)
			assert.Nil(t, r.Lag7)
			continue
		}
		require.NotNil(t, r.WoW.Clicks, "day %d", i)
		assert.InDelta(t, 0.0, *r.WoW.Clicks, 1e-9)
		require.NotNil(t, r.WoW.PositionDelta)
		assert.InDelta(t, 0.0, *r.WoW.PositionDelta, 1e-9)
		assert.Nil(t, r.MoM.Clicks, "mom needs 28 days")
	}
	assert.NotNil(t, rows[13].WoWAvg.Clicks)
	assert.Nil(t, rows[12].WoWAvg.Clicks)
}

func TestAggregate_WoWDoubling(t *testing.T) {
	clicks := constant(8, 50)
	clicks[7] = 100
	rows := timeseries.New(timeseries.Config{}).Aggregate(timeseries.Input{
		Search: searchSeries(page, clicks, 1000, 3),
		From:   dayN(0),
		AsOf:   dayN(7),
	})
	last := rows[len(rows)-1]
	require.NotNil(t, last.WoW.Clicks)
	assert.InDelta(t, 100.0, *last.WoW.Clicks, 1e-9)
	assert.Equal(t, 50.0, last.Lag7.Clicks)
}

func TestAggregate_FullOuterJoinAndGapFill(t *testing.T) {
	search := []model.SearchRow{
		{Date: dayN(0), EntityKey: page, Clicks: 10, Impressions: 100, Position: ptr(4.0)},
	}
	engagement := []model.EngagementRow{
		{Date: dayN(2), EntityKey: page, Sessions: 20, Conversions: 1, EngagedSessions: 10},
	}
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{
		Search:     search,
		Engagement: engagement,
		From:       dayN(0),
		AsOf:       dayN(3),
	})
	require.Len(t, rows, 4)

	assert.Equal(t, 10.0, rows[0].Clicks)
	assert.Equal(t, 0.0, rows[0].Sessions)

	assert.True(t, rows[1].HasFlag(model.FlagGapFilled))
	assert.Equal(t, 0.0, rows[1].Clicks)
	assert.Nil(t, rows[1].Position, "no impressions means no position")

	assert.Equal(t, 20.0, rows[2].Sessions)
	assert.InDelta(t, 0.5, rows[2].EngagementRate, 1e-9)
	assert.InDelta(t, 0.05, rows[2].ConversionEfficiency, 1e-9)
	assert.Equal(t, 0.0, rows[2].Clicks)

	assert.Equal(t, 4, rows[3].HistoryDays)
	require.NotNil(t, rows[3].Avg7.Position)
	assert.InDelta(t, 4.0, *rows[3].Avg7.Position, 1e-9, "position averages only days that had one")
}

func TestAggregate_HistoryBeforeWindowFeedsLags(t *testing.T) {
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{
		Search: searchSeries(page, constant(40, 10), 100, 8),
		From:   dayN(35),
		AsOf:   dayN(39),
	})
	require.Len(t, rows, 5)
	for _, r := range rows {
		require.NotNil(t, r.Lag28)
		require.NotNil(t, r.MoM.Clicks)
		assert.InDelta(t, 0.0, *r.MoM.Clicks, 1e-9)
		assert.Equal(t, 28, r.Avg28.Days)
	}
}

func TestAggregate_FlagsExtremeChangeButKeepsRow(t *testing.T) {
	clicks := constant(8, 1)
	clicks[7] = 50
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{
		Search: searchSeries(page, clicks, 1000, 2),
		From:   dayN(7),
		AsOf:   dayN(7),
	})
	require.Len(t, rows, 1)
	assert.True(t, rows[0].HasFlag(model.FlagClicksWoWExtreme))
	assert.InDelta(t, 4900.0, *rows[0].WoW.Clicks, 1e-9)
}

func TestAggregate_CompositeScores(t *testing.T) {
	search := []model.SearchRow{{Date: dayN(0), EntityKey: page, Clicks: 10, Impressions: 1000, Position: ptr(4.0)}}
	engagement := []model.EngagementRow{{Date: dayN(0), EntityKey: page, Sessions: 10, Conversions: 1, EngagedSessions: 5}}
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{
		Search: search, Engagement: engagement, From: dayN(0), AsOf: dayN(0),
	})
	require.Len(t, rows, 1)
	r := rows[0]

	expected := timeseries.ExpectedCTR(timeseries.DefaultPositionCurve, 4)
	assert.InDelta(t, 0.08, expected, 1e-9)
	assert.InDelta(t, 0.01, r.CTR, 1e-9)
	assert.InDelta(t, 1000*(0.08-0.01), r.OpportunityIndex, 1e-9)
	// 40*(0.01/0.08) + 30*0.5 + 30*min(1, 0.1/0.05)
	assert.InDelta(t, 5+15+30, r.QualityScore, 1e-9)
}

func TestAggregate_AttachesVitalsToPages(t *testing.T) {
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{
		Search: searchSeries(page, constant(1, 5), 100, 3),
		Vitals: []model.VitalsRow{{Date: dayN(0), Property: page.Property, Page: page.EntityID, LCPMs: ptr(4500.0)}},
		From:   dayN(0),
		AsOf:   dayN(0),
	})
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Vitals)
	assert.Equal(t, 4500.0, *rows[0].Vitals.LCPMs)
}

func TestAggregate_SameDayRowsWeightPositionByImpressions(t *testing.T) {
	rows := timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{
		Search: []model.SearchRow{
			{Date: dayN(0), EntityKey: page, Clicks: 30, Impressions: 300, Position: ptr(2.0)},
			{Date: dayN(0), EntityKey: page, Clicks: 1, Impressions: 100, Position: ptr(10.0)},
			{Date: dayN(0), EntityKey: page, Clicks: 0, Impressions: 0, Position: ptr(50.0)},
		},
		From: dayN(0),
		AsOf: dayN(0),
	})
	require.Len(t, rows, 1)
	assert.Equal(t, 31.0, rows[0].Clicks)
	assert.Equal(t, 400.0, rows[0].Impressions)
	require.NotNil(t, rows[0].Position)
	assert.InDelta(t, 4.0, *rows[0].Position, 1e-9)
}

func TestAggregate_EmptyInput(t *testing.T) {
	assert.Empty(t, timeseries.New(timeseries.DefaultConfig()).Aggregate(timeseries.Input{From: dayN(0), AsOf: dayN(5)}))
}

func TestExpectedCTR_Interpolates(t *testing.T) {
	curve := []float64{0.3, 0.2, 0.1}
	assert.InDelta(t, 0.3, timeseries.ExpectedCTR(curve, 0.5), 1e-9)
	assert.InDelta(t, 0.25, timeseries.ExpectedCTR(curve, 1.5), 1e-9)
	assert.InDelta(t, 0.1, timeseries.ExpectedCTR(curve, 40), 1e-9)
	assert.Equal(t, 0.0, timeseries.ExpectedCTR(nil, 3))
}
