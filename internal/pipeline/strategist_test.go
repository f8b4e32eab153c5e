package pipeline

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/model"
)

func TestPlan_RuleBased(t *testing.T) {
	d := model.Diagnosis{
		ID:         uuid.New(),
		Property:   "example.com",
		RootCause:  model.RootCauseTechnical,
		Confidence: 0.8,
	}
	rec := Plan(d, model.SeverityHigh, nil)
	require.NoError(t, rec.Validate())
	assert.Equal(t, 1, rec.Priority)
	assert.Equal(t, model.ImpactHigh, rec.ExpectedImpact)
	assert.InDelta(t, 20.0, rec.ExpectedTrafficLiftPct, 1e-9)
	assert.InDelta(t, 8.0, rec.EstimatedEffortHours, 1e-9)
	require.Len(t, rec.ActionItems, 1)
	assert.Equal(t, 1, rec.ActionItems[0].Rank)
	assert.Equal(t, "fix_technical_issue", rec.ActionItems[0].ActionType)
}

func TestPlan_ObservedLiftAdjustsEstimate(t *testing.T) {
	d := model.Diagnosis{RootCause: model.RootCauseContent, Confidence: 1}
	observed := map[model.RootCause]model.StrategyEffectiveness{
		model.RootCauseContent: {RootCause: model.RootCauseContent, Samples: 4, AvgLiftPct: 5},
	}
	rec := Plan(d, model.SeverityMedium, observed)
	assert.InDelta(t, 10.0, rec.ExpectedTrafficLiftPct, 1e-9)
	assert.Contains(t, rec.Reasoning, "4 executions")
	assert.Equal(t, 3, rec.Priority)
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		severity   model.Severity
		cause      model.RootCause
		confidence float64
		want       int
	}{
		{model.SeverityHigh, model.RootCauseTechnical, 0.9, 1},
		{model.SeverityHigh, model.RootCauseContent, 0.5, 2},
		{model.SeverityMedium, model.RootCauseAlgorithmic, 0.9, 3},
		{model.SeverityLow, model.RootCauseContent, 0.9, 4},
		{model.SeverityLow, model.RootCauseSeasonal, 0.9, 5},
		{model.SeverityHigh, model.RootCauseSeasonal, 0.9, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, priorityFor(tt.severity, tt.cause, tt.confidence), "%s/%s", tt.severity, tt.cause)
	}
}

func TestImpactFor(t *testing.T) {
	assert.Equal(t, model.ImpactHigh, impactFor(9))
	assert.Equal(t, model.ImpactMedium, impactFor(5))
	assert.Equal(t, model.ImpactLow, impactFor(3))
}
