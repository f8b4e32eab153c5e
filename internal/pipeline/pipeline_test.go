package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/detectors"
	"github.com/ashita-ai/mitoshi/internal/llm"
	"github.com/ashita-ai/mitoshi/internal/model"
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

// stubReasoner answers every call with text, or fails with err.
type stubReasoner struct {
	text string
	err  error
}

func (s stubReasoner) Reason(context.Context, string, string) (string, error) { return s.text, s.err }

func newPipeline(t *testing.T, worker string, r llm.Reasoner, mutate ...func(*Config)) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Worker = worker
	for _, m := range mutate {
		m(&cfg)
	}
	return New(testDB, r, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func reset(t *testing.T) {
	t.Helper()
	require.NoError(t, testutil.Truncate(context.Background(), testDB))
}

// seedRisk stores a high-severity anomaly risk and a unified row for its
// entity with a 7-day clicks average of avgClicks.
func seedRisk(t *testing.T, entity string, avgClicks float64) model.Insight {
	t.Helper()
	ctx := context.Background()
	key := model.EntityKey{Property: "example.com", EntityType: model.EntityPage, EntityID: entity}
	require.NoError(t, testDB.ReplaceUnifiedRows(ctx, storage.FeedRange{From: asOf, To: asOf}, []model.UnifiedRow{
		{Date: asOf, EntityKey: key, Clicks: avgClicks, Avg7: model.Averages{Days: 7, Clicks: avgClicks}},
	}))
	pct := -50.0
	in, _, err := testDB.UpsertInsight(ctx, model.InsightDraft{
		Property: "example.com", EntityType: model.EntityPage, EntityID: entity,
		Category: model.CategoryRisk, Severity: model.SeverityHigh, Confidence: 0.9,
		Metrics:     model.AnomalyMetrics{AsOf: asOf, ClicksAvg7: avgClicks, ClicksPrevAvg7: avgClicks * 2, ClicksWoWPct: &pct}.Tagged(),
		WindowDays:  28,
		Source:      detectors.SourceAnomaly,
		GeneratedAt: asOf,
	})
	require.NoError(t, err)
	return in
}

func TestRun_FullChain(t *testing.T) {
	reset(t)
	ctx := context.Background()
	in := seedRisk(t, "/pricing", 40)
	p := newPipeline(t, "w1", nil)

	stages, err := p.Run(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, stages, 5)
	for _, s := range stages[:4] {
		assert.Equal(t, 1, s.Succeeded, "stage %s", s.Stage)
		assert.Zero(t, s.Failed, "stage %s", s.Stage)
	}

	got, err := testDB.GetInsight(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InsightActioned, got.Status)

	execs, err := testDB.ListExecutions(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	e := execs[0]
	assert.Equal(t, model.ExecutionCompleted, e.Status)
	assert.False(t, e.DryRun)
	require.NotEmpty(t, e.ActionIDs)
	require.NotNil(t, e.MonitorUntil)
	assert.InDelta(t, 40, e.BaselineMetrics["clicks"], 1e-9)

	a, err := testDB.GetAction(ctx, e.ActionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, in.ID, a.InsightID)
	assert.Equal(t, model.ActionPending, a.Status)

	// The diagnosis carries its audit decision.
	f, err := testDB.GetDiagnosisByFinding(ctx, mustFinding(t).ID)
	require.NoError(t, err)
	decisions, err := testDB.DecisionsForSubject(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, model.StageDiagnostician, decisions[0].Stage)

	// A second run finds nothing new.
	stages, err = p.Run(ctx, asOf)
	require.NoError(t, err)
	for _, s := range stages {
		assert.Zero(t, s.Succeeded, "stage %s", s.Stage)
	}
}

func mustFinding(t *testing.T) model.Finding {
	t.Helper()
	var id uuid.UUID
	require.NoError(t, testDB.Pool().QueryRow(context.Background(), `SELECT id FROM agent_findings LIMIT 1`).Scan(&id))
	f, err := testDB.GetFinding(context.Background(), id)
	require.NoError(t, err)
	return f
}

func TestWatch_SkipsLowSeverityAndWatchedInsights(t *testing.T) {
	reset(t)
	ctx := context.Background()
	seedRisk(t, "/a", 10)
	_, _, err := testDB.UpsertInsight(ctx, model.InsightDraft{
		Property: "example.com", EntityType: model.EntityPage, EntityID: "/low",
		Category: model.CategoryRisk, Severity: model.SeverityLow, Confidence: 0.5,
		Metrics:    model.AnomalyMetrics{AsOf: asOf}.Tagged(),
		WindowDays: 28, Source: detectors.SourceAnomaly, GeneratedAt: asOf,
	})
	require.NoError(t, err)

	p := newPipeline(t, "w1", nil)
	res, err := p.Watch(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Succeeded)

	res, err = p.Watch(ctx, asOf)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestDiagnose_ExactlyOnceAcrossWorkers(t *testing.T) {
	reset(t)
	ctx := context.Background()
	seedRisk(t, "/race", 20)
	_, err := newPipeline(t, "watcher", nil).Watch(ctx, asOf)
	require.NoError(t, err)

	const workers = 6
	results := make([]model.StageResult, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := newPipeline(t, fmt.Sprintf("w%d", i), nil).Diagnose(ctx, asOf)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		succeeded += r.Succeeded
		assert.Zero(t, r.Failed)
	}
	assert.Equal(t, 1, succeeded)

	var n int
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT count(*) FROM agent_diagnoses`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestDiagnose_ReasonerOverridesRules(t *testing.T) {
	reset(t)
	ctx := context.Background()
	seedRisk(t, "/llm", 20)
	r := stubReasoner{text: "ROOT_CAUSE: algorithmic\nCONFIDENCE: 0.65\nEVIDENCE: competitor overtook page\nREASONING: Rankings slipped."}
	p := newPipeline(t, "w1", r)
	_, err := p.Watch(ctx, asOf)
	require.NoError(t, err)

	res, err := p.Diagnose(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	d, err := testDB.GetDiagnosisByFinding(ctx, mustFinding(t).ID)
	require.NoError(t, err)
	assert.Equal(t, model.RootCauseAlgorithmic, d.RootCause)
	assert.InDelta(t, 0.65, d.Confidence, 1e-9)
	assert.Contains(t, d.SupportingEvidence, "competitor overtook page")
	assert.Equal(t, "Rankings slipped.", d.Reasoning)
}

func TestDiagnose_GarbageFromReasonerFallsBackToRules(t *testing.T) {
	reset(t)
	ctx := context.Background()
	seedRisk(t, "/garbage", 20)
	p := newPipeline(t, "w1", stubReasoner{text: "I am not sure."})
	_, err := p.Watch(ctx, asOf)
	require.NoError(t, err)

	res, err := p.Diagnose(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	d, err := testDB.GetDiagnosisByFinding(ctx, mustFinding(t).ID)
	require.NoError(t, err)
	assert.True(t, d.RootCause.Valid())
	assert.Contains(t, d.Reasoning, "signal rules")
}

func TestDiagnose_TimeoutReleasesFinding(t *testing.T) {
	reset(t)
	ctx := context.Background()
	seedRisk(t, "/slow", 20)
	timeout := fmt.Errorf("%w: ollama did not answer in time", model.ErrDependencyTimeout)
	p := newPipeline(t, "w1", stubReasoner{err: timeout}, func(c *Config) { c.MaxAttempts = 1 })
	_, err := p.Watch(ctx, asOf)
	require.NoError(t, err)

	res, err := p.Diagnose(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	f, err := testDB.GetFinding(ctx, mustFinding(t).ID)
	require.NoError(t, err)
	assert.False(t, f.Processed)
	assert.Equal(t, 1, f.Attempts)
	require.NotNil(t, f.LastError)
	assert.Contains(t, *f.LastError, "did not answer")
	assert.NotNil(t, f.FailedAt, "max attempts reached")

	_, err = testDB.GetDiagnosisByFinding(ctx, f.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestDispatch_DryRunCreatesNothing(t *testing.T) {
	reset(t)
	ctx := context.Background()
	in := seedRisk(t, "/dry", 20)
	p := newPipeline(t, "w1", nil, func(c *Config) { c.DryRun = true })

	_, err := p.Run(ctx, asOf)
	require.NoError(t, err)

	execs, err := testDB.ListExecutions(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].DryRun)
	assert.Equal(t, model.ExecutionCompleted, execs[0].Status)
	assert.Empty(t, execs[0].ActionIDs)
	assert.Nil(t, execs[0].MonitorUntil)

	_, total, err := testDB.ListActions(ctx, model.ActionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)

	got, err := testDB.GetInsight(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InsightDiagnosed, got.Status)
}

func TestMonitorAndRollback(t *testing.T) {
	reset(t)
	ctx := context.Background()
	in := seedRisk(t, "/monitor", 40)
	p := newPipeline(t, "w1", nil)
	_, err := p.Run(ctx, asOf)
	require.NoError(t, err)

	// Two weeks later clicks recovered to 60.
	later := asOf.AddDate(0, 0, 15)
	key := model.EntityKey{Property: in.Property, EntityType: in.EntityType, EntityID: in.EntityID}
	require.NoError(t, testDB.ReplaceUnifiedRows(ctx, storage.FeedRange{From: later, To: later}, []model.UnifiedRow{
		{Date: later, EntityKey: key, Clicks: 60, Avg7: model.Averages{Days: 7, Clicks: 60}},
	}))
	p.now = func() time.Time { return time.Now().Add(15 * 24 * time.Hour) }

	res, err := p.Monitor(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	execs, err := testDB.ListExecutions(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	e := execs[0]
	require.NotNil(t, e.LiftPct)
	assert.InDelta(t, 50, *e.LiftPct, 1e-9)

	rolled, err := p.RollbackExecution(ctx, e.ID, "owner rejected the plan")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRolledBack, rolled.Status)
	a, err := testDB.GetAction(ctx, e.ActionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ActionCancelled, a.Status)

	_, err = p.RollbackExecution(ctx, e.ID, "again")
	assert.ErrorIs(t, err, model.ErrStateConflict)
}

func TestSweepStale(t *testing.T) {
	reset(t)
	ctx := context.Background()
	seedRisk(t, "/stale", 20)
	p := newPipeline(t, "w1", nil, func(c *Config) { c.StaleThreshold = time.Minute })
	for _, stage := range []func(context.Context, time.Time) (model.StageResult, error){p.Watch, p.Diagnose, p.Strategize} {
		_, err := stage(ctx, asOf)
		require.NoError(t, err)
	}
	recs, err := testDB.ClaimRecommendations(ctx, p.claimOptions())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	e, err := testDB.CompleteRecommendation(ctx, recs[0].ID, model.Execution{Property: "example.com", RootCause: recs[0].RootCause}, model.AgentDecision{Stage: model.StageDispatcher, Decision: "execute"})
	require.NoError(t, err)
	now := time.Now()
	e.Status = model.ExecutionInProgress
	e.StartedAt = &now
	_, err = testDB.UpdateExecution(ctx, e, model.ExecutionPending)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx, `UPDATE agent_executions SET updated_at = now() - interval '2 minutes' WHERE id = $1`, e.ID)
	require.NoError(t, err)

	n, err := p.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := testDB.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
}
