// Package timeseries joins the search and engagement feeds into one row per
// entity per day and derives lags, rolling averages, period-over-period
// changes and composite scores.
//
// The aggregator is pure: it takes raw rows and returns unified rows. Reading
// the feeds and writing the unified view is the storage layer's job.
package timeseries

import (
	"math"
	"sort"
	"time"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// HistoryDays is how far before the output window the feeds must be read
// so the first output day has its 28-day lag.
const HistoryDays = 28

// Config holds the aggregation parameters. Zero fields fall back to defaults.
type Config struct {
	PositionCurve []float64 `yaml:"position_curve"`
	// ExtremeChangePct flags week-over-week changes whose magnitude exceeds
	// it for data-quality review.
	ExtremeChangePct float64 `yaml:"extreme_change_pct"`
	// ConversionTarget is the conversion efficiency that earns the full
	// conversion share of the quality score.
	ConversionTarget float64 `yaml:"conversion_target"`
}

// DefaultConfig returns the standard aggregation parameters.
func DefaultConfig() Config {
	return Config{
		PositionCurve:    append([]float64(nil), DefaultPositionCurve...),
		ExtremeChangePct: 1000,
		ConversionTarget: 0.05,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.PositionCurve) == 0 {
		c.PositionCurve = d.PositionCurve
	}
	if c.ExtremeChangePct <= 0 {
		c.ExtremeChangePct = d.ExtremeChangePct
	}
	if c.ConversionTarget <= 0 {
		c.ConversionTarget = d.ConversionTarget
	}
	return c
}

// Input is everything one aggregation pass reads.
type Input struct {
	Search     []model.SearchRow
	Engagement []model.EngagementRow
	Vitals     []model.VitalsRow
	// From and AsOf bound the output window, both inclusive. Rows before
	// From are used only as history.
	From time.Time
	AsOf time.Time
}

// Aggregator turns raw feed rows into unified rows.
type Aggregator struct {
	cfg Config
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config { return a.cfg }

// day is the joined raw data of one entity on one date.
type day struct {
	date            time.Time
	clicks          float64
	impressions     float64
	position        *float64
	posWeighted     float64
	posImpressions  float64
	sessions        float64
	conversions     float64
	engagedSessions float64
	vitals          *model.Vitals
	filled          bool
}

type vitalsKey struct {
	property string
	page     string
	date     time.Time
}

// Truncate normalizes t to a UTC calendar day.
func Truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Aggregate joins the feeds and computes derived values. Output is sorted
// by property, entity type, entity id, then date. Rows dated after AsOf are
// ignored.
func (a *Aggregator) Aggregate(in Input) []model.UnifiedRow {
	from, asOf := Truncate(in.From), Truncate(in.AsOf)
	if asOf.Before(from) {
		return nil
	}

	raw := map[model.EntityKey]map[time.Time]*day{}
	get := func(k model.EntityKey, d time.Time) *day {
		byDate, ok := raw[k]
		if !ok {
			byDate = map[time.Time]*day{}
			raw[k] = byDate
		}
		r, ok := byDate[d]
		if !ok {
			r = &day{date: d}
			byDate[d] = r
		}
		return r
	}

	for _, s := range in.Search {
		d := Truncate(s.Date)
		if d.After(asOf) {
			continue
		}
		r := get(s.EntityKey, d)
		r.clicks += s.Clicks
		r.impressions += s.Impressions
		if s.Position != nil && s.Impressions > 0 {
			r.posWeighted += *s.Position * s.Impressions
			r.posImpressions += s.Impressions
			p := r.posWeighted / r.posImpressions
			r.position = &p
		}
	}
	for _, e := range in.Engagement {
		d := Truncate(e.Date)
		if d.After(asOf) {
			continue
		}
		r := get(e.EntityKey, d)
		r.sessions += e.Sessions
		r.conversions += e.Conversions
		r.engagedSessions += e.EngagedSessions
	}

	vitals := make(map[vitalsKey]*model.Vitals, len(in.Vitals))
	for _, v := range in.Vitals {
		vitals[vitalsKey{v.Property, v.Page, Truncate(v.Date)}] = &model.Vitals{LCPMs: v.LCPMs, CLS: v.CLS, INPMs: v.INPMs}
	}

	keys := make([]model.EntityKey, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })

	var out []model.UnifiedRow
	for _, k := range keys {
		series := fill(raw[k], asOf)
		if k.EntityType == model.EntityPage {
			for _, d := range series {
				d.vitals = vitals[vitalsKey{k.Property, k.EntityID, d.date}]
			}
		}
		for i, d := range series {
			if d.date.Before(from) {
				continue
			}
			out = append(out, a.row(k, series, i))
		}
	}
	return out
}

// fill returns a contiguous daily series from the entity's first observed
// date through asOf, with zero rows for missing days.
func fill(byDate map[time.Time]*day, asOf time.Time) []*day {
	var first time.Time
	for d := range byDate {
		if first.IsZero() || d.Before(first) {
			first = d
		}
	}
	n := int(asOf.Sub(first).Hours()/24) + 1
	series := make([]*day, 0, n)
	for d := first; !d.After(asOf); d = d.AddDate(0, 0, 1) {
		if r, ok := byDate[d]; ok {
			series = append(series, r)
			continue
		}
		series = append(series, &day{date: d, filled: true})
	}
	return series
}

func (a *Aggregator) row(k model.EntityKey, series []*day, i int) model.UnifiedRow {
	d := series[i]
	r := model.UnifiedRow{
		Date:            d.date,
		EntityKey:       k,
		Clicks:          d.clicks,
		Impressions:     d.impressions,
		Position:        d.position,
		Sessions:        d.sessions,
		Conversions:     d.conversions,
		EngagedSessions: d.engagedSessions,
		Vitals:          d.vitals,
		HistoryDays:     i + 1,
	}
	if d.impressions > 0 {
		r.CTR = d.clicks / d.impressions
	}
	if d.sessions > 0 {
		r.EngagementRate = d.engagedSessions / d.sessions
		r.ConversionEfficiency = d.conversions / d.sessions
	}
	if d.filled {
		r.QualityFlags = append(r.QualityFlags, model.FlagGapFilled)
	}

	if i >= 7 {
		r.Lag7 = snapshot(series[i-7])
		r.WoW = changes(snapshot(d), r.Lag7)
	}
	if i >= 28 {
		r.Lag28 = snapshot(series[i-28])
		r.MoM = changes(snapshot(d), r.Lag28)
	}
	r.Avg7 = average(series, i, 7)
	r.Avg28 = average(series, i, 28)
	if i >= 13 {
		prev := average(series, i-7, 7)
		r.PrevAvg7 = &prev
		r.WoWAvg = model.Changes{
			Clicks:        PctChange(r.Avg7.Clicks, prev.Clicks),
			Impressions:   PctChange(r.Avg7.Impressions, prev.Impressions),
			Sessions:      PctChange(r.Avg7.Sessions, prev.Sessions),
			Conversions:   PctChange(r.Avg7.Conversions, prev.Conversions),
			PositionDelta: PositionDelta(r.Avg7.Position, prev.Position),
		}
	}

	if d.position != nil {
		r.ExpectedCTR = ExpectedCTR(a.cfg.PositionCurve, *d.position)
		r.OpportunityIndex = d.impressions * math.Max(0, r.ExpectedCTR-r.CTR)
	}
	r.QualityScore = a.qualityScore(r)
	r.QualityFlags = append(r.QualityFlags, a.extremeFlags(r.WoW)...)
	return r
}

// qualityScore is 40*min(1, ctr/expected) + 30*engagement_rate +
// 30*min(1, conversion_efficiency/target), in [0,100].
func (a *Aggregator) qualityScore(r model.UnifiedRow) float64 {
	var ctrPart float64
	if r.ExpectedCTR > 0 {
		ctrPart = math.Min(1, r.CTR/r.ExpectedCTR)
	}
	convPart := math.Min(1, r.ConversionEfficiency/a.cfg.ConversionTarget)
	score := 40*ctrPart + 30*math.Min(1, r.EngagementRate) + 30*convPart
	return math.Max(0, math.Min(100, score))
}

func (a *Aggregator) extremeFlags(c model.Changes) []string {
	var flags []string
	check := func(v *float64, flag string) {
		if v != nil && math.Abs(*v) > a.cfg.ExtremeChangePct {
			flags = append(flags, flag)
		}
	}
	check(c.Clicks, model.FlagClicksWoWExtreme)
	check(c.Impressions, model.FlagImpressionsWoWExtreme)
	check(c.Sessions, model.FlagSessionsWoWExtreme)
	check(c.Conversions, model.FlagConversionsWoWExtreme)
	return flags
}

func snapshot(d *day) *model.Snapshot {
	return &model.Snapshot{
		Clicks:      d.clicks,
		Impressions: d.impressions,
		Position:    d.position,
		Sessions:    d.sessions,
		Conversions: d.conversions,
	}
}

func changes(cur, prev *model.Snapshot) model.Changes {
	return model.Changes{
		Clicks:        PctChange(cur.Clicks, prev.Clicks),
		Impressions:   PctChange(cur.Impressions, prev.Impressions),
		Sessions:      PctChange(cur.Sessions, prev.Sessions),
		Conversions:   PctChange(cur.Conversions, prev.Conversions),
		PositionDelta: PositionDelta(cur.Position, prev.Position),
	}
}

// average is the mean of up to n days ending at index end. Position only
// averages days that have one.
func average(series []*day, end, n int) model.Averages {
	start := end - n + 1
	if start < 0 {
		start = 0
	}
	var avg model.Averages
	var posSum float64
	var posDays int
	for _, d := range series[start : end+1] {
		avg.Days++
		avg.Clicks += d.clicks
		avg.Impressions += d.impressions
		avg.Sessions += d.sessions
		avg.Conversions += d.conversions
		if d.position != nil {
			posSum += *d.position
			posDays++
		}
	}
	if avg.Days > 0 {
		f := float64(avg.Days)
		avg.Clicks /= f
		avg.Impressions /= f
		avg.Sessions /= f
		avg.Conversions /= f
	}
	if posDays > 0 {
		p := posSum / float64(posDays)
		avg.Position = &p
	}
	return avg
}

func lessKey(a, b model.EntityKey) bool {
	if a.Property != b.Property {
		return a.Property < b.Property
	}
	if a.EntityType != b.EntityType {
		return a.EntityType < b.EntityType
	}
	return a.EntityID < b.EntityID
}

// Latest returns the most recent row per entity.
func Latest(rows []model.UnifiedRow) map[model.EntityKey]model.UnifiedRow {
	out := map[model.EntityKey]model.UnifiedRow{}
	for _, r := range rows {
		if cur, ok := out[r.EntityKey]; !ok || r.Date.After(cur.Date) {
			out[r.EntityKey] = r
		}
	}
	return out
}

// ByEntity groups rows per entity, each slice in date order.
func ByEntity(rows []model.UnifiedRow) map[model.EntityKey][]model.UnifiedRow {
	out := map[model.EntityKey][]model.UnifiedRow{}
	for _, r := range rows {
		out[r.EntityKey] = append(out[r.EntityKey], r)
	}
	for _, s := range out {
		sort.Slice(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
	}
	return out
}
