package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/model"
)

func TestScorePriority_Formula(t *testing.T) {
	assert.InDelta(t, 100.0, model.ScorePriority(10, 10, model.UrgencyMedium), 1e-9)
	assert.InDelta(t, 75.0, model.ScorePriority(5, 10, model.UrgencyHigh), 1e-9)
	assert.InDelta(t, 56.0, model.ScorePriority(8, 10, model.UrgencyLow), 1e-9)
	// Not clamped.
	assert.InDelta(t, 2000.0, model.ScorePriority(10, 1, model.UrgencyCritical), 1e-9)
}

func TestScorePriority_Monotonic(t *testing.T) {
	for _, u := range []model.Urgency{model.UrgencyLow, model.UrgencyMedium, model.UrgencyHigh, model.UrgencyCritical} {
		for effort := 1; effort <= 10; effort++ {
			for impact := 1; impact < 10; impact++ {
				assert.Less(t, model.ScorePriority(impact, effort, u), model.ScorePriority(impact+1, effort, u))
			}
		}
		for impact := 1; impact <= 10; impact++ {
			for effort := 1; effort < 10; effort++ {
				assert.Greater(t, model.ScorePriority(impact, effort, u), model.ScorePriority(impact, effort+1, u))
			}
		}
	}
}

func baseAction() model.Action {
	return model.Action{
		ImpactScore: 6,
		EffortScore: 3,
		Urgency:     model.UrgencyMedium,
		Status:      model.ActionPending,
	}
}

func TestApplyActionUpdate_StampsAssignedOnce(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	a, err := model.ApplyActionUpdate(baseAction(), model.ActionUpdate{Owner: ptr("dana")}, t1)
	require.NoError(t, err)
	require.NotNil(t, a.AssignedAt)
	assert.Equal(t, t1, *a.AssignedAt)

	a, err = model.ApplyActionUpdate(a, model.ActionUpdate{Owner: ptr("lee")}, t2)
	require.NoError(t, err)
	assert.Equal(t, "lee", *a.Owner)
	assert.Equal(t, t1, *a.AssignedAt)
}

func TestApplyActionUpdate_StartThenComplete(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)

	a, err := model.ApplyActionUpdate(baseAction(), model.ActionUpdate{Status: ptr(model.ActionInProgress)}, t1)
	require.NoError(t, err)
	require.NotNil(t, a.StartedAt)

	a, err = model.ApplyActionUpdate(a, model.ActionUpdate{Status: ptr(model.ActionCompleted)}, t2)
	require.NoError(t, err)
	assert.Equal(t, model.ActionCompleted, a.Status)
	assert.Equal(t, t1, *a.StartedAt)
	assert.Equal(t, t2, *a.CompletedAt)
}

func TestApplyActionUpdate_CompleteWithoutStartConflicts(t *testing.T) {
	_, err := model.ApplyActionUpdate(baseAction(), model.ActionUpdate{Status: ptr(model.ActionCompleted)}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStateConflict))
}

func TestApplyActionUpdate_RecomputesPriority(t *testing.T) {
	a, err := model.ApplyActionUpdate(baseAction(), model.ActionUpdate{
		ImpactScore: ptr(9),
		Urgency:     ptr(model.UrgencyCritical),
	}, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, model.ScorePriority(9, 3, model.UrgencyCritical), a.PriorityScore, 1e-9)
}

func TestApplyActionUpdate_RejectsOutOfRangeScores(t *testing.T) {
	orig := baseAction()
	got, err := model.ApplyActionUpdate(orig, model.ActionUpdate{EffortScore: ptr(0)}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.Equal(t, orig, got)
}

func TestClassifyOutcome(t *testing.T) {
	out, lift := model.ClassifyOutcome(map[string]float64{"clicks": 100}, map[string]float64{"clicks": 120})
	assert.Equal(t, model.OutcomeImproved, out)
	assert.InDelta(t, 20.0, *lift, 1e-9)

	out, _ = model.ClassifyOutcome(map[string]float64{"clicks": 100}, map[string]float64{"clicks": 97})
	assert.Equal(t, model.OutcomeNoChange, out)

	out, _ = model.ClassifyOutcome(map[string]float64{"clicks": 100}, map[string]float64{"clicks": 50})
	assert.Equal(t, model.OutcomeWorsened, out)

	out, lift = model.ClassifyOutcome(nil, map[string]float64{"clicks": 50})
	assert.Equal(t, model.OutcomeUnknown, out)
	assert.Nil(t, lift)
}

func TestAlertRule_Matches(t *testing.T) {
	rule := model.AlertRule{
		Name:        "risks",
		Category:    model.CategoryRisk,
		MinSeverity: model.SeverityMedium,
		Enabled:     true,
	}
	in := model.Insight{Category: model.CategoryRisk, Severity: model.SeverityHigh, Property: "a.com", Source: "anomaly"}
	assert.True(t, rule.Matches(in))

	in.Severity = model.SeverityLow
	assert.False(t, rule.Matches(in))

	in.Severity = model.SeverityHigh
	rule.Source = ptr("trend")
	assert.False(t, rule.Matches(in))

	assert.Equal(t, model.DefaultSuppressionWindow, rule.Window())
}
