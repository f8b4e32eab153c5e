package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetricsKind tags which payload an InsightMetrics carries.
type MetricsKind string

const (
	MetricsAnomaly         MetricsKind = "anomaly"
	MetricsCannibalization MetricsKind = "cannibalization"
	MetricsContentQuality  MetricsKind = "content_quality"
	MetricsCWV             MetricsKind = "cwv_quality"
	MetricsDiagnosis       MetricsKind = "diagnosis"
	MetricsOpportunity     MetricsKind = "opportunity"
	MetricsTopicStrategy   MetricsKind = "topic_strategy"
	MetricsTrend           MetricsKind = "trend"
)

// InsightMetrics is the detector-specific snapshot attached to an Insight.
// Exactly one payload field is set, and it must be the one Kind names.
// Stored as JSONB: {"kind": "...", "<kind>": {...}}.
type InsightMetrics struct {
	Kind            MetricsKind             `json:"kind"`
	Anomaly         *AnomalyMetrics         `json:"anomaly,omitempty"`
	Cannibalization *CannibalizationMetrics `json:"cannibalization,omitempty"`
	ContentQuality  *ContentQualityMetrics  `json:"content_quality,omitempty"`
	CWV             *CWVMetrics             `json:"cwv_quality,omitempty"`
	Diagnosis       *DiagnosisMetrics       `json:"diagnosis,omitempty"`
	Opportunity     *OpportunityMetrics     `json:"opportunity,omitempty"`
	TopicStrategy   *TopicStrategyMetrics   `json:"topic_strategy,omitempty"`
	Trend           *TrendMetrics           `json:"trend,omitempty"`
}

// payload returns the active variant, or nil.
func (m InsightMetrics) payload() any {
	switch m.Kind {
	case MetricsAnomaly:
		return m.Anomaly
	case MetricsCannibalization:
		return m.Cannibalization
	case MetricsContentQuality:
		return m.ContentQuality
	case MetricsCWV:
		return m.CWV
	case MetricsDiagnosis:
		return m.Diagnosis
	case MetricsOpportunity:
		return m.Opportunity
	case MetricsTopicStrategy:
		return m.TopicStrategy
	case MetricsTrend:
		return m.Trend
	}
	return nil
}

// Validate checks that the tag and the populated payload agree.
func (m InsightMetrics) Validate() error {
	set := 0
	for _, present := range []bool{
		m.Anomaly != nil, m.Cannibalization != nil, m.ContentQuality != nil, m.CWV != nil,
		m.Diagnosis != nil, m.Opportunity != nil, m.TopicStrategy != nil, m.Trend != nil,
	} {
		if present {
			set++
		}
	}
	p := m.payload()
	if p == nil || set != 1 {
		return fmt.Errorf("%w: metrics kind %q does not match its payload", ErrValidation, m.Kind)
	}
	// A typed nil pointer stored in an interface is non-nil; compare via JSON.
	if b, _ := json.Marshal(p); string(b) == "null" {
		return fmt.Errorf("%w: metrics payload for %q is empty", ErrValidation, m.Kind)
	}
	return nil
}

// Values flattens the numeric fields of the active payload into a map, for
// snapshots attached to pipeline findings and alert payloads.
func (m InsightMetrics) Values() map[string]float64 {
	out := map[string]float64{}
	p := m.payload()
	if p == nil {
		return out
	}
	b, err := json.Marshal(p)
	if err != nil {
		return out
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

// AnomalyMetrics: weekly-average changes that triggered an anomaly.
type AnomalyMetrics struct {
	AsOf                  time.Time `json:"as_of"`
	ClicksAvg7            float64   `json:"clicks_avg7"`
	ClicksPrevAvg7        float64   `json:"clicks_prev_avg7"`
	ClicksWoWPct          *float64  `json:"clicks_wow_pct,omitempty"`
	ConversionsAvg7       float64   `json:"conversions_avg7"`
	ConversionsPrevAvg7   float64   `json:"conversions_prev_avg7"`
	ConversionsWoWPct     *float64  `json:"conversions_wow_pct,omitempty"`
	ImpressionsAvg7       float64   `json:"impressions_avg7"`
	ImpressionsWoWPct     *float64  `json:"impressions_wow_pct,omitempty"`
	PositionWoWDelta      *float64  `json:"position_wow_delta,omitempty"`
	DataQualityReviewNote string    `json:"data_quality_review,omitempty"`
}

// Tagged wraps m as InsightMetrics.
func (m AnomalyMetrics) Tagged() InsightMetrics {
	return InsightMetrics{Kind: MetricsAnomaly, Anomaly: &m}
}

// CannibalizedPage is one page competing for a query.
type CannibalizedPage struct {
	Page        string  `json:"page"`
	Impressions float64 `json:"impressions"`
	Clicks      float64 `json:"clicks"`
	Share       float64 `json:"share"`
	Position    float64 `json:"position"`
}

// CannibalizationMetrics: pages splitting impressions for one query.
type CannibalizationMetrics struct {
	TotalImpressions float64            `json:"total_impressions"`
	TopShare         float64            `json:"top_share"`
	SecondShare      float64            `json:"second_share"`
	PositionGap      float64            `json:"position_gap"`
	PageCount        float64            `json:"page_count"`
	Pages            []CannibalizedPage `json:"pages"`
}

// Tagged wraps m as InsightMetrics.
func (m CannibalizationMetrics) Tagged() InsightMetrics {
	return InsightMetrics{Kind: MetricsCannibalization, Cannibalization: &m}
}

// ContentQualityMetrics: engagement of a page against the property.
type ContentQualityMetrics struct {
	Sessions                 float64 `json:"sessions"`
	EngagementRate           float64 `json:"engagement_rate"`
	ConversionEfficiency     float64 `json:"conversion_efficiency"`
	PropertyMedianEfficiency float64 `json:"property_median_efficiency"`
	QualityScore             float64 `json:"quality_score"`
}

// Tagged wraps m as InsightMetrics.
func (m ContentQualityMetrics) Tagged() InsightMetrics {
	return InsightMetrics{Kind: MetricsContentQuality, ContentQuality: &m}
}

// CWVMetrics: Core Web Vitals of a page.
type CWVMetrics struct {
	LCPMs       *float64 `json:"lcp_ms,omitempty"`
	CLS         *float64 `json:"cls,omitempty"`
	INPMs       *float64 `json:"inp_ms,omitempty"`
	Sessions    float64  `json:"sessions"`
	PoorSignals []string `json:"poor_signals"`
}

// Tagged wraps m as InsightMetrics.
func (m CWVMetrics) Tagged() InsightMetrics {
	return InsightMetrics{Kind: MetricsCWV, CWV: &m}
}

// RootCause is the class of explanation for a risk.
type RootCause string

const (
	RootCauseTechnical   RootCause = "technical"
	RootCauseContent     RootCause = "content"
	RootCauseAlgorithmic RootCause = "algorithmic"
	RootCauseSeasonal    RootCause = "seasonal"
)

// Valid reports whether r is a known root cause.
func (r RootCause) Valid() bool {
	switch r {
	case RootCauseTechnical, RootCauseContent, RootCauseAlgorithmic, RootCauseSeasonal:
		return true
	}
	return false
}

// DiagnosisMetrics: the signals behind a root-cause classification.
type DiagnosisMetrics struct {
	RootCause    RootCause          `json:"root_cause"`
	OriginSource string             `json:"origin_source"`
	Signals      map[string]float64 `json:"signals"`
	Evidence     []string           `json:"evidence"`
}

// Tagged wraps m as InsightMetrics.
func (m DiagnosisMetrics) Tagged() InsightMetrics {
	return InsightMetrics{Kind: MetricsDiagnosis, Diagnosis: &m}
}

// OpportunityMetrics: CTR shortfall against the position curve.
type OpportunityMetrics struct {
	Impressions      float64 `json:"impressions"`
	Clicks           float64 `json:"clicks"`
	CTR              float64 `json:"ctr"`
	ExpectedCTR      float64 `json:"expected_ctr"`
	Position         float64 `json:"position"`
	OpportunityIndex float64 `json:"opportunity_index"`
}

// Tagged wraps m as InsightMetrics.
func (m OpportunityMetrics) Tagged() InsightMetrics {
	return InsightMetrics{Kind: MetricsOpportunity, Opportunity: &m}
}

// TopicStrategyMetrics: month-over-month movement of a directory.
type TopicStrategyMetrics struct {
	Direction         string   `json:"direction"`
	Impressions       float64  `json:"impressions"`
	Clicks            float64  `json:"clicks"`
	Position          float64  `json:"position"`
	ImpressionsMoMPct *float64 `json:"impressions_mom_pct,omitempty"`
	ClicksMoMPct      *float64 `json:"clicks_mom_pct,omitempty"`
}

// Tagged wraps m as InsightMetrics.
func (m TopicStrategyMetrics) Tagged() InsightMetrics {
	return InsightMetrics{Kind: MetricsTopicStrategy, TopicStrategy: &m}
}

// TrendMetrics: sustained direction of clicks.
type TrendMetrics struct {
	Direction       string  `json:"direction"`
	ClicksAvg28     float64 `json:"clicks_avg28"`
	ClicksMoMPct    float64 `json:"clicks_mom_pct"`
	ClicksWoWAvgPct float64 `json:"clicks_wow_avg_pct"`
}

// Tagged wraps m as InsightMetrics.
func (m TrendMetrics) Tagged() InsightMetrics {
	return InsightMetrics{Kind: MetricsTrend, Trend: &m}
}
