package actions_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/detectors"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/service/actions"
	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

var asOf = time.Date(2026, 3, 28, 0, 0, 0, 0, time.UTC)

func newService() *actions.Service {
	return actions.New(testDB, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seed(t *testing.T, entity string, severity model.Severity) model.Insight {
	t.Helper()
	pct := -50.0
	in, _, err := testDB.UpsertInsight(context.Background(), model.InsightDraft{
		Property: "example.com", EntityType: model.EntityPage, EntityID: entity,
		Category: model.CategoryRisk, Severity: severity, Confidence: 0.9,
		Metrics:     model.AnomalyMetrics{AsOf: asOf, ClicksAvg7: 50, ClicksPrevAvg7: 100, ClicksWoWPct: &pct}.Tagged(),
		WindowDays:  28,
		Source:      detectors.SourceAnomaly,
		GeneratedAt: asOf,
	})
	require.NoError(t, err)
	return in
}

func TestDeriveForInsights_IdempotentWithBaseline(t *testing.T) {
	require.NoError(t, testutil.Truncate(context.Background(), testDB))
	ctx := context.Background()
	key := model.EntityKey{Property: "example.com", EntityType: model.EntityPage, EntityID: "/a"}
	require.NoError(t, testDB.ReplaceUnifiedRows(ctx, storage.FeedRange{From: asOf, To: asOf}, []model.UnifiedRow{
		{Date: asOf, EntityKey: key, Clicks: 50, Avg7: model.Averages{Days: 7, Clicks: 55}},
	}))

	in := seed(t, "/a", model.SeverityHigh)
	svc := newService()

	res, err := svc.DeriveForInsights(ctx, []model.Insight{in}, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	res, err = svc.DeriveForInsights(ctx, []model.Insight{in}, asOf)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Refreshed)

	list, total, err := svc.List(ctx, model.ActionFilter{InsightID: &in.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	a := list[0]
	assert.Equal(t, model.UrgencyCritical, a.Urgency)
	assert.InDelta(t, model.ScorePriority(a.ImpactScore, a.EffortScore, a.Urgency), a.PriorityScore, 1e-9)
	assert.InDelta(t, 55, a.MetricsBefore["clicks"], 1e-9)
}

func TestDeriveForInsights_SkipsResolvedAndUncovered(t *testing.T) {
	require.NoError(t, testutil.Truncate(context.Background(), testDB))
	ctx := context.Background()
	in := seed(t, "/b", model.SeverityMedium)
	resolved := in
	resolved.Status = model.InsightResolved
	uncovered := in
	uncovered.Source = "manual"

	res, err := newService().DeriveForInsights(ctx, []model.Insight{resolved, uncovered}, asOf)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Total())
}

func TestUpdateAndOutcome(t *testing.T) {
	require.NoError(t, testutil.Truncate(context.Background(), testDB))
	ctx := context.Background()
	in := seed(t, "/c", model.SeverityHigh)
	svc := newService()
	_, err := svc.DeriveForInsights(ctx, []model.Insight{in}, asOf)
	require.NoError(t, err)

	top, err := svc.TopPriority(ctx, "example.com", 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	id := top[0].ID

	_, err = svc.RecordOutcome(ctx, id, nil)
	require.ErrorIs(t, err, model.ErrValidation)

	status := model.ActionCompleted
	_, err = svc.Update(ctx, id, model.ActionUpdate{Status: &status})
	require.ErrorIs(t, err, model.ErrStateConflict)

	start := model.ActionInProgress
	owner := "sam"
	a, err := svc.Update(ctx, id, model.ActionUpdate{Status: &start, Owner: &owner})
	require.NoError(t, err)
	assert.NotNil(t, a.StartedAt)
	assert.NotNil(t, a.AssignedAt)

	a, err = svc.Update(ctx, id, model.ActionUpdate{Status: &status})
	require.NoError(t, err)
	assert.NotNil(t, a.CompletedAt)

	// No baseline was stored, so the outcome cannot be classified.
	a, err = svc.RecordOutcome(ctx, id, map[string]float64{"clicks": 90})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUnknown, a.Outcome)
	assert.Nil(t, a.LiftPct)
}
