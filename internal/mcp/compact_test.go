package mcp

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/model"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "日本...", truncate("日本語テキスト", 2))
}

func TestCompactInsight(t *testing.T) {
	in := model.Insight{
		ID:              "abc",
		Property:        "example.com",
		EntityType:      model.EntityQuery,
		EntityID:        "running shoes",
		Severity:        model.SeverityMedium,
		Confidence:      0.66666,
		Description:     strings.Repeat("x", 500),
		Metrics:         model.InsightMetrics{Kind: model.MetricsTrend},
		LinkedInsightID: ptr("origin"),
	}
	m := compactInsight(in)
	assert.Equal(t, "query:running shoes", m["entity"])
	assert.Equal(t, 0.667, m["confidence"])
	assert.Equal(t, model.MetricsTrend, m["metrics"])
	assert.Equal(t, "origin", m["linked_insight_id"])
	assert.Len(t, m["description"], maxCompactDescription+3)
}

func TestCompactAction_OmitsUnsetFields(t *testing.T) {
	a := model.Action{ID: uuid.New(), PriorityScore: 133.33333, Status: model.ActionPending}
	m := compactAction(a)
	assert.Equal(t, 133.333, m["priority"])
	for _, k := range []string{"owner", "due_date", "outcome", "lift_pct"} {
		_, ok := m[k]
		assert.False(t, ok, k)
	}

	a.Owner = ptr("sam")
	a.LiftPct = ptr(12.34567)
	m = compactAction(a)
	assert.Equal(t, "sam", m["owner"])
	assert.Equal(t, 12.346, m["lift_pct"])
}

func TestParseInsightURI(t *testing.T) {
	id, err := parseInsightURI("mitoshi://insight/9f2c")
	require.NoError(t, err)
	assert.Equal(t, "9f2c", id)

	for _, bad := range []string{"", "mitoshi://insight/", "mitoshi://insight/a/b", "other://insight/x"} {
		_, err := parseInsightURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestSortBySeverity_Stable(t *testing.T) {
	ins := []model.Insight{
		{ID: "l1", Severity: model.SeverityLow},
		{ID: "c", Severity: model.SeverityCritical},
		{ID: "l2", Severity: model.SeverityLow},
		{ID: "h", Severity: model.SeverityHigh},
	}
	sortBySeverity(ins)
	var ids []string
	for _, in := range ins {
		ids = append(ids, in.ID)
	}
	assert.Equal(t, []string{"c", "h", "l1", "l2"}, ids)
}
