package model

import "time"

// EntityKey identifies one time series.
type EntityKey struct {
	Property   string     `json:"property"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
}

// SearchRow is one day of the search-visibility feed.
type SearchRow struct {
	Date time.Time
	EntityKey
	Clicks      float64
	Impressions float64
	Position    *float64
}

// EngagementRow is one day of the site-engagement feed.
type EngagementRow struct {
	Date time.Time
	EntityKey
	Sessions        float64
	Conversions     float64
	EngagedSessions float64
}

// QueryPageRow is one day of a query ranking with a specific page.
type QueryPageRow struct {
	Date        time.Time `json:"date"`
	Property    string    `json:"property"`
	Query       string    `json:"query"`
	Page        string    `json:"page"`
	Clicks      float64   `json:"clicks"`
	Impressions float64   `json:"impressions"`
	Position    float64   `json:"position"`
}

// VitalsRow is one day of Core Web Vitals for a page. Missing measurements
// are nil.
type VitalsRow struct {
	Date     time.Time
	Property string
	Page     string
	LCPMs    *float64
	CLS      *float64
	INPMs    *float64
}

// Snapshot is the raw metric set of a single earlier day.
type Snapshot struct {
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	Position    *float64 `json:"position,omitempty"`
	Sessions    float64  `json:"sessions"`
	Conversions float64  `json:"conversions"`
}

// Averages are rolling means over the available days of a window. Position
// averages only days that had impressions.
type Averages struct {
	Days        int      `json:"days"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	Position    *float64 `json:"position,omitempty"`
	Sessions    float64  `json:"sessions"`
	Conversions float64  `json:"conversions"`
}

// Changes are percentage changes for volume metrics and an absolute delta
// for position (positive means the ranking got worse). Nil means there was
// not enough history or both values were zero.
type Changes struct {
	Clicks        *float64 `json:"clicks,omitempty"`
	Impressions   *float64 `json:"impressions,omitempty"`
	Sessions      *float64 `json:"sessions,omitempty"`
	Conversions   *float64 `json:"conversions,omitempty"`
	PositionDelta *float64 `json:"position_delta,omitempty"`
}

// Vitals are the Core Web Vitals attached to a page row.
type Vitals struct {
	LCPMs *float64 `json:"lcp_ms,omitempty"`
	CLS   *float64 `json:"cls,omitempty"`
	INPMs *float64 `json:"inp_ms,omitempty"`
}

// Data-quality flags raised by the aggregator.
const (
	FlagClicksWoWExtreme      = "clicks_wow_extreme"
	FlagImpressionsWoWExtreme = "impressions_wow_extreme"
	FlagSessionsWoWExtreme    = "sessions_wow_extreme"
	FlagConversionsWoWExtreme = "conversions_wow_extreme"
	FlagGapFilled             = "gap_filled"
)

// UnifiedRow is the aggregated view of one entity on one day.
type UnifiedRow struct {
	Date time.Time `json:"date"`
	EntityKey
	Clicks          float64  `json:"clicks"`
	Impressions     float64  `json:"impressions"`
	CTR             float64  `json:"ctr"`
	Position        *float64 `json:"position,omitempty"`
	Sessions        float64  `json:"sessions"`
	Conversions     float64  `json:"conversions"`
	EngagedSessions float64  `json:"engaged_sessions"`
	EngagementRate  float64  `json:"engagement_rate"`
	Vitals          *Vitals  `json:"vitals,omitempty"`

	// HistoryDays counts days from the entity's first observation through
	// Date, inclusive.
	HistoryDays int       `json:"history_days"`
	Lag7        *Snapshot `json:"lag7,omitempty"`
	Lag28       *Snapshot `json:"lag28,omitempty"`
	Avg7        Averages  `json:"avg7"`
	Avg28       Averages  `json:"avg28"`
	WoW         Changes   `json:"wow"`
	MoM         Changes   `json:"mom"`
	// PrevAvg7 is the 7-day average ending one week before Date.
	PrevAvg7 *Averages `json:"prev_avg7,omitempty"`
	// WoWAvg compares Avg7 with PrevAvg7.
	WoWAvg Changes `json:"wow_avg"`

	ExpectedCTR          float64  `json:"expected_ctr"`
	OpportunityIndex     float64  `json:"opportunity_index"`
	ConversionEfficiency float64  `json:"conversion_efficiency"`
	QualityScore         float64  `json:"quality_score"`
	QualityFlags         []string `json:"quality_flags,omitempty"`
}

// HasFlag reports whether the row carries a data-quality flag.
func (r UnifiedRow) HasFlag(flag string) bool {
	for _, f := range r.QualityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Key returns the row's entity key.
func (r UnifiedRow) Key() EntityKey { return r.EntityKey }
