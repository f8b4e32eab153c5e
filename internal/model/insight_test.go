package model_test

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func validDraft() model.InsightDraft {
	return model.InsightDraft{
		Property:    "example.com",
		EntityType:  model.EntityPage,
		EntityID:    "/pricing",
		Category:    model.CategoryRisk,
		Severity:    model.SeverityHigh,
		Confidence:  0.8,
		Title:       "Clicks dropped",
		WindowDays:  28,
		Source:      "anomaly",
		Metrics:     model.TrendMetrics{Direction: "down"}.Tagged(),
		GeneratedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFingerprint_IgnoresNonIdentityFields(t *testing.T) {
	a := validDraft()
	b := a
	b.Severity = model.SeverityLow
	b.Confidence = 0.1
	b.Title = "different"
	b.Metrics = model.OpportunityMetrics{Impressions: 5}.Tagged()
	b.GeneratedAt = a.GeneratedAt.Add(48 * time.Hour)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestFingerprint_ChangesWithEachIdentityField(t *testing.T) {
	base := validDraft()
	mutations := map[string]func(d *model.InsightDraft){
		"property":    func(d *model.InsightDraft) { d.Property = "other.com" },
		"entity_type": func(d *model.InsightDraft) { d.EntityType = model.EntityQuery },
		"entity_id":   func(d *model.InsightDraft) { d.EntityID = "/about" },
		"category":    func(d *model.InsightDraft) { d.Category = model.CategoryTrend },
		"source":      func(d *model.InsightDraft) { d.Source = "trend" },
		"window_days": func(d *model.InsightDraft) { d.WindowDays = 7 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			d := base
			mutate(&d)
			assert.NotEqual(t, base.Fingerprint(), d.Fingerprint())
		})
	}
}

func TestCheckInsightTransition(t *testing.T) {
	assert.NoError(t, model.CheckInsightTransition(model.InsightNew, model.InsightInvestigating))
	assert.NoError(t, model.CheckInsightTransition(model.InsightNew, model.InsightResolved))
	assert.NoError(t, model.CheckInsightTransition(model.InsightDiagnosed, model.InsightDiagnosed))

	err := model.CheckInsightTransition(model.InsightActioned, model.InsightNew)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStateConflict))

	err = model.CheckInsightTransition(model.InsightNew, "archived")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestValidateInsightDraft(t *testing.T) {
	assert.NoError(t, model.ValidateInsightDraft(validDraft()))

	cases := map[string]func(d *model.InsightDraft){
		"empty property":      func(d *model.InsightDraft) { d.Property = " " },
		"bad entity type":     func(d *model.InsightDraft) { d.EntityType = "site" },
		"long entity id":      func(d *model.InsightDraft) { d.EntityID = strings.Repeat("x", model.MaxEntityIDLen+1) },
		"confidence above 1":  func(d *model.InsightDraft) { d.Confidence = 1.2 },
		"zero window":         func(d *model.InsightDraft) { d.WindowDays = 0 },
		"diagnosis unlinked":  func(d *model.InsightDraft) { d.Category = model.CategoryDiagnosis },
		"mismatched metrics":  func(d *model.InsightDraft) { d.Metrics = model.InsightMetrics{Kind: model.MetricsAnomaly} },
		"title over limit":    func(d *model.InsightDraft) { d.Title = strings.Repeat("t", model.MaxTitleLen+1) },
		"missing source name": func(d *model.InsightDraft) { d.Source = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDraft()
			mutate(&d)
			err := model.ValidateInsightDraft(d)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrValidation))
		})
	}

	d := validDraft()
	d.Category = model.CategoryDiagnosis
	d.LinkedInsightID = ptr("abc")
	d.Metrics = model.DiagnosisMetrics{RootCause: model.RootCauseContent}.Tagged()
	assert.NoError(t, model.ValidateInsightDraft(d))
}

func TestInsightMetrics_Validate(t *testing.T) {
	assert.NoError(t, model.AnomalyMetrics{ClicksAvg7: 10}.Tagged().Validate())

	two := model.InsightMetrics{
		Kind:    model.MetricsTrend,
		Trend:   &model.TrendMetrics{},
		Anomaly: &model.AnomalyMetrics{},
	}
	assert.Error(t, two.Validate())

	wrongTag := model.InsightMetrics{Kind: model.MetricsCWV, Trend: &model.TrendMetrics{}}
	assert.Error(t, wrongTag.Validate())
}

func TestInsightMetrics_Values(t *testing.T) {
	m := model.OpportunityMetrics{Impressions: 1000, Clicks: 10, CTR: 0.01, Position: 6}.Tagged()
	v := m.Values()
	assert.Equal(t, 1000.0, v["impressions"])
	assert.Equal(t, 6.0, v["position"])

	assert.Empty(t, model.InsightMetrics{}.Values())
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "short", model.TruncateUTF8("short", 10))
	assert.Equal(t, "abc", model.TruncateUTF8("abcdef", 3))
	assert.Equal(t, "", model.TruncateUTF8("abc", 0))
	// "é" is two bytes; a cut after one byte backs off to the boundary.
	assert.Equal(t, "a", model.TruncateUTF8("aé", 2))
	assert.Equal(t, "検", model.TruncateUTF8("検索", 5))

	got := model.TruncateTitle("x" + strings.Repeat("é", 200))
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, model.MaxTitleLen-1)
}
