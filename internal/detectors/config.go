package detectors

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/mitoshi/internal/timeseries"
)

// Config holds every detector threshold. YAML keys are snake_case; fields
// left out of a file keep their defaults.
type Config struct {
	Concurrency     int                   `yaml:"concurrency"`
	PositionCurve   []float64             `yaml:"position_curve"`
	Anomaly         AnomalyConfig         `yaml:"anomaly"`
	Cannibalization CannibalizationConfig `yaml:"cannibalization"`
	ContentQuality  ContentQualityConfig  `yaml:"content_quality"`
	CWV             CWVConfig             `yaml:"cwv_quality"`
	Diagnosis       DiagnosisConfig       `yaml:"diagnosis"`
	Opportunity     OpportunityConfig     `yaml:"opportunity"`
	TopicStrategy   TopicStrategyConfig   `yaml:"topic_strategy"`
	Trend           TrendConfig           `yaml:"trend"`
}

type AnomalyConfig struct {
	ClicksDropPct       float64 `yaml:"clicks_drop_pct"`
	ConversionsDropPct  float64 `yaml:"conversions_drop_pct"`
	ImpressionsSurgePct float64 `yaml:"impressions_surge_pct"`
	MinHistoryDays      int     `yaml:"min_history_days"`
	MinAvgClicks        float64 `yaml:"min_avg_clicks"`
}

// ShareRule is one severity tier of cannibalization.
type ShareRule struct {
	MaxTopShare    float64 `yaml:"max_top_share"`
	MinSecondShare float64 `yaml:"min_second_share"`
	MaxPositionGap float64 `yaml:"max_position_gap"`
}

func (r ShareRule) matches(top, second, gap float64) bool {
	return top < r.MaxTopShare && second > r.MinSecondShare && gap < r.MaxPositionGap
}

type CannibalizationConfig struct {
	MinImpressions float64   `yaml:"min_impressions"`
	MinPages       int       `yaml:"min_pages"`
	High           ShareRule `yaml:"high"`
	Medium         ShareRule `yaml:"medium"`
	Low            ShareRule `yaml:"low"`
}

type ContentQualityConfig struct {
	MinSessions          float64 `yaml:"min_sessions"`
	LowEngagementRate    float64 `yaml:"low_engagement_rate"`
	SevereEngagementRate float64 `yaml:"severe_engagement_rate"`
	// EfficiencyRatio is the fraction of the property's median conversion
	// efficiency below which a severe page becomes high severity.
	EfficiencyRatio float64 `yaml:"efficiency_ratio"`
}

type CWVConfig struct {
	MinSessions float64 `yaml:"min_sessions"`
	LCPPoorMs   float64 `yaml:"lcp_poor_ms"`
	LCPSlowMs   float64 `yaml:"lcp_needs_improvement_ms"`
	CLSPoor     float64 `yaml:"cls_poor"`
	CLSSlow     float64 `yaml:"cls_needs_improvement"`
	INPPoorMs   float64 `yaml:"inp_poor_ms"`
	INPSlowMs   float64 `yaml:"inp_needs_improvement_ms"`
}

type DiagnosisConfig struct {
	ImpressionCollapsePct float64 `yaml:"impression_collapse_pct"`
	PositionWorsening     float64 `yaml:"position_worsening"`
	SeasonalTolerancePts  float64 `yaml:"seasonal_tolerance_pts"`
	StablePositionDelta   float64 `yaml:"stable_position_delta"`
}

type OpportunityConfig struct {
	MinImpressions float64 `yaml:"min_impressions"`
	MinPosition    float64 `yaml:"min_position"`
	MaxPosition    float64 `yaml:"max_position"`
	CTRRatio       float64 `yaml:"ctr_ratio"`
	HighIndex      float64 `yaml:"high_index"`
	MediumIndex    float64 `yaml:"medium_index"`
}

type TopicStrategyConfig struct {
	ImpressionsGrowthPct float64 `yaml:"impressions_growth_pct"`
	MinPosition          float64 `yaml:"min_position"`
	ClicksDeclinePct     float64 `yaml:"clicks_decline_pct"`
}

type TrendConfig struct {
	RisingPct        float64 `yaml:"rising_pct"`
	FallingPct       float64 `yaml:"falling_pct"`
	SevereFallingPct float64 `yaml:"severe_falling_pct"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		PositionCurve: append([]float64(nil), timeseries.DefaultPositionCurve...),
		Anomaly: AnomalyConfig{
			ClicksDropPct:       -20,
			ConversionsDropPct:  -20,
			ImpressionsSurgePct: 50,
			MinHistoryDays:      14,
			MinAvgClicks:        1,
		},
		Cannibalization: CannibalizationConfig{
			MinImpressions: 100,
			MinPages:       2,
			High:           ShareRule{MaxTopShare: 0.6, MinSecondShare: 0.25, MaxPositionGap: 5},
			Medium:         ShareRule{MaxTopShare: 0.7, MinSecondShare: 0.2, MaxPositionGap: 10},
			Low:            ShareRule{MaxTopShare: 0.8, MinSecondShare: 0.15, MaxPositionGap: 100},
		},
		ContentQuality: ContentQualityConfig{
			MinSessions:          50,
			LowEngagementRate:    0.35,
			SevereEngagementRate: 0.2,
			EfficiencyRatio:      0.5,
		},
		CWV: CWVConfig{
			MinSessions: 20,
			LCPPoorMs:   4000,
			LCPSlowMs:   2500,
			CLSPoor:     0.25,
			CLSSlow:     0.1,
			INPPoorMs:   500,
			INPSlowMs:   200,
		},
		Diagnosis: DiagnosisConfig{
			ImpressionCollapsePct: -50,
			PositionWorsening:     3,
			SeasonalTolerancePts:  10,
			StablePositionDelta:   1,
		},
		Opportunity: OpportunityConfig{
			MinImpressions: 100,
			MinPosition:    4,
			MaxPosition:    20,
			CTRRatio:       0.7,
			HighIndex:      500,
			MediumIndex:    100,
		},
		TopicStrategy: TopicStrategyConfig{
			ImpressionsGrowthPct: 30,
			MinPosition:          10,
			ClicksDeclinePct:     -25,
		},
		Trend: TrendConfig{
			RisingPct:        25,
			FallingPct:       -25,
			SevereFallingPct: -50,
		},
	}
}

// Validate rejects configurations that would make detectors misbehave.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if len(c.PositionCurve) == 0 {
		errs = append(errs, errors.New("position_curve must not be empty"))
	}
	if c.Anomaly.ClicksDropPct >= 0 || c.Anomaly.ConversionsDropPct >= 0 {
		errs = append(errs, errors.New("anomaly drop thresholds must be negative"))
	}
	if c.Opportunity.CTRRatio <= 0 || c.Opportunity.CTRRatio > 1 {
		errs = append(errs, errors.New("opportunity.ctr_ratio must be in (0,1]"))
	}
	if c.Opportunity.MinPosition > c.Opportunity.MaxPosition {
		errs = append(errs, errors.New("opportunity.min_position exceeds max_position"))
	}
	if c.Cannibalization.MinPages < 2 {
		errs = append(errs, errors.New("cannibalization.min_pages must be at least 2"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("detectors: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Thresholds is the layout of the thresholds file.
type Thresholds struct {
	Aggregation timeseries.Config `yaml:"aggregation"`
	Detectors   Config            `yaml:"detectors"`
}

// DefaultThresholds returns aggregation and detector defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Aggregation: timeseries.DefaultConfig(), Detectors: DefaultConfig()}
}

// LoadThresholds reads a YAML thresholds file over the defaults. An empty
// path returns the defaults. The aggregation position curve also feeds the
// detectors unless the file sets a separate one.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("detectors: read thresholds: %w", err)
	}
	return ParseThresholds(raw)
}

// ParseThresholds decodes YAML thresholds over the defaults.
func ParseThresholds(raw []byte) (Thresholds, error) {
	t := DefaultThresholds()
	var probe struct {
		Detectors struct {
			PositionCurve []float64 `yaml:"position_curve"`
		} `yaml:"detectors"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return t, fmt.Errorf("detectors: parse thresholds: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("detectors: parse thresholds: %w", err)
	}
	if len(probe.Detectors.PositionCurve) == 0 {
		t.Detectors.PositionCurve = append([]float64(nil), t.Aggregation.PositionCurve...)
	}
	if err := t.Detectors.Validate(); err != nil {
		return t, err
	}
	return t, nil
}
