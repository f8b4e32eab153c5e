package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/service/actions"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

// Dispatch claims pending recommendations, writes a pending execution for
// each and carries it out: the action items become Actions on the
// originating insight, the entity's current metrics become the baseline,
// and the monitoring window opens. In dry-run mode nothing is created and
// no window opens.
func (p *Pipeline) Dispatch(ctx context.Context, asOf time.Time) (res model.StageResult, err error) {
	res.Stage = model.StageDispatcher
	defer timeStage(&res)()

	recs, err := p.db.ClaimRecommendations(ctx, p.claimOptions())
	if err != nil {
		return res, err
	}
	res.Claimed = len(recs)
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		exec, err := p.db.CompleteRecommendation(ctx, r.ID, model.Execution{
			InsightID: r.InsightID,
			Property:  r.Property,
			RootCause: r.RootCause,
			DryRun:    p.cfg.DryRun,
		}, model.AgentDecision{
			Stage:      model.StageDispatcher,
			Decision:   dispatchDecision(p.cfg.DryRun),
			Reasoning:  r.Reasoning,
			Confidence: 1,
		})
		switch {
		case errors.Is(err, storage.ErrAlreadyProcessed):
			p.track(ctx, &res, "skipped")
			continue
		case err != nil:
			p.track(ctx, &res, "failed")
			p.release(ctx, model.StageDispatcher, r.ID, err)
			continue
		}

		exec, err = p.execute(ctx, exec, r, asOf)
		if err != nil {
			p.track(ctx, &res, "failed")
			p.logger.Error("pipeline: execution failed", "execution_id", exec.ID, "error", err)
			continue
		}
		p.track(ctx, &res, "succeeded")
		if !exec.DryRun {
			p.advance(ctx, exec.InsightID, model.InsightActioned)
		}
	}
	return res, nil
}

func dispatchDecision(dryRun bool) string {
	if dryRun {
		return "execute_dry_run"
	}
	return "execute"
}

// execute moves a pending execution through in_progress to completed, or
// to failed with the error recorded. The returned error is the cause of a
// failed execution.
func (p *Pipeline) execute(ctx context.Context, e model.Execution, r model.Recommendation, asOf time.Time) (model.Execution, error) {
	started := p.now()
	e.Status = model.ExecutionInProgress
	e.StartedAt = &started
	updated, err := p.db.UpdateExecution(ctx, e, model.ExecutionPending)
	if err != nil {
		return e, err
	}
	e = updated

	if !e.DryRun {
		ids, baseline, err := p.createActions(ctx, e, r, asOf)
		if err != nil {
			msg := err.Error()
			e.Status = model.ExecutionFailed
			e.Error = &msg
			e.ActionIDs = ids
			if _, uerr := p.db.UpdateExecution(ctx, e, model.ExecutionInProgress); uerr != nil {
				return e, errors.Join(err, uerr)
			}
			return e, err
		}
		e.ActionIDs = ids
		e.BaselineMetrics = baseline
		until := p.now().Add(p.cfg.MonitorWindow)
		e.MonitorUntil = &until
	}
	done := p.now()
	e.Status = model.ExecutionCompleted
	e.CompletedAt = &done
	updated, err = p.db.UpdateExecution(ctx, e, model.ExecutionInProgress)
	if err != nil {
		return e, err
	}
	return updated, nil
}

// createActions upserts one Action per action item. It returns the ids
// created so far even on error, so a failed execution can be rolled back.
func (p *Pipeline) createActions(ctx context.Context, e model.Execution, r model.Recommendation, asOf time.Time) ([]uuid.UUID, map[string]float64, error) {
	if e.InsightID == nil {
		return nil, nil, fmt.Errorf("%w: recommendation %s has no insight to act on", model.ErrValidation, r.ID)
	}
	in, err := p.db.GetInsight(ctx, *e.InsightID)
	if err != nil {
		return nil, nil, fmt.Errorf("insight %s: %w", *e.InsightID, err)
	}
	key := model.EntityKey{Property: in.Property, EntityType: in.EntityType, EntityID: in.EntityID}
	baseline, err := p.db.EntityMetrics(ctx, key, asOf)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("baseline for %s: %w", in.ID, err)
	}

	var ids []uuid.UUID
	for _, d := range actions.DraftsForItems(in, r.ActionItems, baseline) {
		a, _, err := p.db.UpsertDerivedAction(ctx, d, p.now())
		if err != nil {
			return ids, baseline, fmt.Errorf("action %s: %w", d.ActionType, err)
		}
		ids = append(ids, a.ID)
	}
	return ids, baseline, nil
}

// Monitor records outcome metrics for executions whose monitoring window
// has closed. Lift is measured on clicks against the baseline; the
// Strategist reads it back as strategy effectiveness.
func (p *Pipeline) Monitor(ctx context.Context, asOf time.Time) (res model.StageResult, err error) {
	res.Stage = model.StageMonitor
	defer timeStage(&res)()

	due, err := p.db.ExecutionsDueForMonitor(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Claimed = len(due)
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.measure(ctx, e, asOf); err != nil {
			if errors.Is(err, model.ErrStateConflict) {
				p.track(ctx, &res, "skipped")
				continue
			}
			p.track(ctx, &res, "failed")
			p.logger.Warn("pipeline: monitor", "execution_id", e.ID, "error", err)
			continue
		}
		p.track(ctx, &res, "succeeded")
	}
	return res, nil
}

func (p *Pipeline) measure(ctx context.Context, e model.Execution, asOf time.Time) error {
	after := map[string]float64{}
	if e.InsightID != nil {
		in, err := p.db.GetInsight(ctx, *e.InsightID)
		switch {
		case err == nil:
			key := model.EntityKey{Property: in.Property, EntityType: in.EntityType, EntityID: in.EntityID}
			m, err := p.db.EntityMetrics(ctx, key, asOf)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			for k, v := range m {
				after[k] = v
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}
	outcome, lift := model.ClassifyOutcome(e.BaselineMetrics, after)
	e.OutcomeMetrics = after
	e.LiftPct = lift
	if _, err := p.db.UpdateExecution(ctx, e, model.ExecutionCompleted); err != nil {
		return err
	}
	reasoning := "no usable baseline"
	if lift != nil {
		reasoning = fmt.Sprintf("clicks moved %.1f%% against the baseline", *lift)
	}
	if err := p.db.RecordDecision(ctx, model.AgentDecision{
		Stage:      model.StageMonitor,
		SubjectID:  e.ID,
		Decision:   "outcome=" + string(outcome),
		Reasoning:  reasoning,
		Confidence: 1,
	}); err != nil {
		return err
	}
	p.logger.Info("pipeline: outcome measured", "execution_id", e.ID, "root_cause", e.RootCause, "outcome", outcome)
	return nil
}

// RollbackExecution cancels the actions an execution created and marks it
// rolled_back. Only pending, in_progress and completed executions can be
// rolled back.
func (p *Pipeline) RollbackExecution(ctx context.Context, id uuid.UUID, reason string) (model.Execution, error) {
	e, err := p.db.GetExecution(ctx, id)
	if err != nil {
		return model.Execution{}, err
	}
	from := e.Status
	switch from {
	case model.ExecutionPending, model.ExecutionInProgress, model.ExecutionCompleted:
	default:
		return model.Execution{}, fmt.Errorf("%w: execution %s is %s", model.ErrStateConflict, id, from)
	}
	cancelled, err := p.db.CancelActions(ctx, e.ActionIDs)
	if err != nil {
		return model.Execution{}, err
	}
	e.Status = model.ExecutionRolledBack
	if reason != "" {
		e.Error = &reason
	}
	if e, err = p.db.UpdateExecution(ctx, e, from); err != nil {
		return model.Execution{}, err
	}
	if err := p.db.RecordDecision(ctx, model.AgentDecision{
		Stage:      model.StageDispatcher,
		SubjectID:  e.ID,
		Decision:   "rollback",
		Reasoning:  reason,
		Confidence: 1,
	}); err != nil {
		return e, err
	}
	p.logger.Info("pipeline: execution rolled back", "execution_id", id, "actions_cancelled", cancelled)
	return e, nil
}

// SweepStale fails executions stuck in_progress past the staleness
// threshold and returns how many it failed.
func (p *Pipeline) SweepStale(ctx context.Context) (int, error) {
	ids, err := p.db.SweepStaleExecutions(ctx, p.cfg.StaleThreshold)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		p.logger.Warn("pipeline: failed stale execution", "execution_id", id, "threshold", p.cfg.StaleThreshold)
	}
	return len(ids), nil
}
