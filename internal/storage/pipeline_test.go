package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

func claimOpts(worker string) storage.ClaimOptions {
	return storage.ClaimOptions{Worker: worker, Limit: 10, MaxAttempts: 3, Lease: time.Minute}
}

func seedFinding(t *testing.T, dedupe string) model.Finding {
	t.Helper()
	f := model.Finding{
		ID:               uuid.New(),
		Property:         "example.com",
		DedupeKey:        dedupe,
		Category:         model.CategoryRisk,
		Severity:         model.SeverityHigh,
		Summary:          "clicks down",
		AffectedEntities: []string{"/a"},
		Metrics:          map[string]float64{"clicks": 50},
	}
	created, err := testDB.InsertFinding(context.Background(), f, model.AgentDecision{
		Stage: model.StageWatcher, Decision: "emit", Confidence: 0.8,
	})
	require.NoError(t, err)
	require.True(t, created)
	return f
}

func diagnosisFor(f model.Finding) model.Diagnosis {
	return model.Diagnosis{
		FindingID:          f.ID,
		Property:           f.Property,
		RootCause:          model.RootCauseContent,
		Confidence:         0.7,
		SupportingEvidence: []string{"ctr decay"},
		Reasoning:          "engagement fell with stable rankings",
	}
}

func TestInsertFinding_DedupesByKey(t *testing.T) {
	reset(t)
	ctx := context.Background()
	f := seedFinding(t, "example.com|/a|anomaly")

	dup := f
	dup.ID = uuid.New()
	created, err := testDB.InsertFinding(ctx, dup, model.AgentDecision{Stage: model.StageWatcher, Decision: "emit"})
	require.NoError(t, err)
	assert.False(t, created)

	decisions, err := testDB.DecisionsForSubject(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestClaimFindings_LeaseHidesRowsFromOtherWorkers(t *testing.T) {
	reset(t)
	ctx := context.Background()
	seedFinding(t, "k1")
	seedFinding(t, "k2")

	first, err := testDB.ClaimFindings(ctx, claimOpts("w1"))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, first[0].Attempts)
	require.NotNil(t, first[0].ClaimedBy)
	assert.Equal(t, "w1", *first[0].ClaimedBy)

	second, err := testDB.ClaimFindings(ctx, claimOpts("w2"))
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestReleaseClaim_BacksOffThenFails(t *testing.T) {
	reset(t)
	ctx := context.Background()
	f := seedFinding(t, "k1")
	opts := claimOpts("w1")
	opts.MaxAttempts = 2

	claimed, err := testDB.ClaimFindings(ctx, opts)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	failed, err := testDB.ReleaseClaim(ctx, model.StageDiagnostician, f.ID, "llm timeout", opts.MaxAttempts)
	require.NoError(t, err)
	assert.False(t, failed)

	// Still in backoff.
	again, err := testDB.ClaimFindings(ctx, opts)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Expire the backoff and try once more.
	_, err = testDB.Pool().Exec(ctx, `UPDATE agent_findings SET claimed_until = now() - interval '1 second'`)
	require.NoError(t, err)
	again, err = testDB.ClaimFindings(ctx, opts)
	require.NoError(t, err)
	require.Len(t, again, 1)

	failed, err = testDB.ReleaseClaim(ctx, model.StageDiagnostician, f.ID, "llm timeout", opts.MaxAttempts)
	require.NoError(t, err)
	assert.True(t, failed)

	got, err := testDB.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FailedAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "llm timeout", *got.LastError)

	_, err = testDB.ReleaseClaim(ctx, model.StageWatcher, f.ID, "x", 1)
	require.Error(t, err)
}

func TestCompleteFinding_ExactlyOnceUnderRace(t *testing.T) {
	reset(t)
	ctx := context.Background()
	f := seedFinding(t, "race")

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := testDB.CompleteFinding(ctx, f.ID, diagnosisFor(f), model.AgentDecision{
				Stage: model.StageDiagnostician, Decision: "diagnosed", Confidence: 0.7,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, storage.ErrAlreadyProcessed):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, already)

	var n int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_diagnoses WHERE finding_id = $1`, f.ID).Scan(&n))
	assert.Equal(t, 1, n)

	got, err := testDB.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.NotNil(t, got.ProcessedAt)
}

func TestPipelineChain_ThroughExecution(t *testing.T) {
	reset(t)
	ctx := context.Background()
	f := seedFinding(t, "chain")

	require.NoError(t, testDB.CompleteFinding(ctx, f.ID, diagnosisFor(f),
		model.AgentDecision{Stage: model.StageDiagnostician, Decision: "diagnosed"}))

	diags, err := testDB.ClaimDiagnoses(ctx, claimOpts("s1"))
	require.NoError(t, err)
	require.Len(t, diags, 1)
	d := diags[0]
	assert.Equal(t, f.ID, d.FindingID)

	rec := model.Recommendation{
		DiagnosisID:            d.ID,
		Property:               d.Property,
		RootCause:              d.RootCause,
		ActionItems:            []model.ActionItem{{Rank: 1, ActionType: "refresh_content", Title: "Refresh", ImpactScore: 7, EffortScore: 5}},
		Priority:               2,
		ExpectedImpact:         model.ImpactMedium,
		ExpectedTrafficLiftPct: 12,
	}
	require.NoError(t, testDB.CompleteDiagnosis(ctx, d.ID, rec,
		model.AgentDecision{Stage: model.StageStrategist, Decision: "recommended"}))
	err = testDB.CompleteDiagnosis(ctx, d.ID, rec, model.AgentDecision{Stage: model.StageStrategist})
	require.ErrorIs(t, err, storage.ErrAlreadyProcessed)

	recs, err := testDB.ClaimRecommendations(ctx, claimOpts("d1"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].ActionItems, 1)
	assert.Equal(t, "refresh_content", recs[0].ActionItems[0].ActionType)

	exec, err := testDB.CompleteRecommendation(ctx, recs[0].ID, model.Execution{
		Property: rec.Property, RootCause: rec.RootCause,
	}, model.AgentDecision{Stage: model.StageDispatcher, Decision: "dispatched"})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionPending, exec.Status)

	now := time.Now()
	exec.Status = model.ExecutionInProgress
	exec.StartedAt = &now
	exec, err = testDB.UpdateExecution(ctx, exec, model.ExecutionPending)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionInProgress, exec.Status)

	_, err = testDB.UpdateExecution(ctx, exec, model.ExecutionPending)
	require.ErrorIs(t, err, model.ErrStateConflict)

	monitorUntil := now.Add(-time.Minute)
	exec.Status = model.ExecutionCompleted
	exec.CompletedAt = &now
	exec.MonitorUntil = &monitorUntil
	exec.BaselineMetrics = map[string]float64{"clicks": 50}
	_, err = testDB.UpdateExecution(ctx, exec, model.ExecutionInProgress)
	require.NoError(t, err)

	due, err := testDB.ExecutionsDueForMonitor(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, exec.ID, due[0].ID)
}

// seedExecution drives one finding through to a pending execution.
func seedExecution(t *testing.T, dedupe string, cause model.RootCause) model.Execution {
	t.Helper()
	ctx := context.Background()
	f := seedFinding(t, dedupe)
	require.NoError(t, testDB.CompleteFinding(ctx, f.ID, diagnosisFor(f), model.AgentDecision{Stage: model.StageDiagnostician}))
	d, err := testDB.GetDiagnosisByFinding(ctx, f.ID)
	require.NoError(t, err)
	require.NoError(t, testDB.CompleteDiagnosis(ctx, d.ID, model.Recommendation{
		Property: "example.com", RootCause: cause, Priority: 1,
		ActionItems: []model.ActionItem{{Rank: 1, ActionType: "fix_crawl_errors", ImpactScore: 9, EffortScore: 4}},
	}, model.AgentDecision{Stage: model.StageStrategist}))
	rec, err := testDB.GetRecommendationByDiagnosis(ctx, d.ID)
	require.NoError(t, err)
	exec, err := testDB.CompleteRecommendation(ctx, rec.ID, model.Execution{Property: "example.com", RootCause: cause},
		model.AgentDecision{Stage: model.StageDispatcher})
	require.NoError(t, err)
	return exec
}

func TestSweepStaleExecutions(t *testing.T) {
	reset(t)
	ctx := context.Background()
	exec := seedExecution(t, "stale", model.RootCauseTechnical)

	exec.Status = model.ExecutionInProgress
	_, err := testDB.UpdateExecution(ctx, exec, model.ExecutionPending)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx, `UPDATE agent_executions SET updated_at = now() - interval '2 hours'`)
	require.NoError(t, err)

	ids, err := testDB.SweepStaleExecutions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{exec.ID}, ids)

	got, err := testDB.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
}

func TestStrategyEffectiveness_RequiresMinSamples(t *testing.T) {
	reset(t)
	ctx := context.Background()
	measured := func(dedupe string, cause model.RootCause, lift float64) {
		e := seedExecution(t, dedupe, cause)
		_, err := testDB.Pool().Exec(ctx, `UPDATE agent_executions SET lift_pct = $2 WHERE id = $1`, e.ID, lift)
		require.NoError(t, err)
	}
	measured("c1", model.RootCauseContent, 10)
	measured("c2", model.RootCauseContent, 20)
	measured("c3", model.RootCauseContent, 30)
	measured("t1", model.RootCauseTechnical, 50)

	eff, err := testDB.StrategyEffectiveness(ctx, 3)
	require.NoError(t, err)
	require.Len(t, eff, 1)
	assert.Equal(t, model.RootCauseContent, eff[0].RootCause)
	assert.Equal(t, 3, eff[0].Samples)
	assert.InDelta(t, 20, eff[0].AvgLiftPct, 1e-9)
}

func TestDecisionFeedback(t *testing.T) {
	reset(t)
	ctx := context.Background()
	f := seedFinding(t, "fb")
	decisions, err := testDB.DecisionsForSubject(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	fb, err := testDB.InsertFeedback(ctx, model.DecisionFeedback{
		DecisionID: decisions[0].ID, Kind: model.FeedbackFlag, Comment: "wrong entity", SubmittedBy: "sam",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, fb.ID)

	_, err = testDB.InsertFeedback(ctx, model.DecisionFeedback{DecisionID: uuid.New(), Kind: model.FeedbackApprove, SubmittedBy: "sam"})
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.InsertFeedback(ctx, model.DecisionFeedback{DecisionID: decisions[0].ID, Kind: "love", SubmittedBy: "sam"})
	require.ErrorIs(t, err, model.ErrValidation)

	all, err := testDB.FeedbackForDecision(ctx, decisions[0].ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
