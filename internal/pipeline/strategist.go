package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ashita-ai/mitoshi/internal/llm"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/service/actions"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

// baseLiftPct is the expected clicks lift of fixing each root cause before
// any outcome has been observed.
var baseLiftPct = map[model.RootCause]float64{
	model.RootCauseTechnical:   25,
	model.RootCauseContent:     15,
	model.RootCauseAlgorithmic: 10,
	model.RootCauseSeasonal:    0,
}

// hoursPerEffortPoint converts a 1-10 effort score into hours.
const hoursPerEffortPoint = 2.0

// Strategize claims pending diagnoses and writes one recommendation per
// diagnosis. Expected lift blends the per-cause base with the observed
// average lift once enough executions have been measured.
func (p *Pipeline) Strategize(ctx context.Context, _ time.Time) (res model.StageResult, err error) {
	res.Stage = model.StageStrategist
	defer timeStage(&res)()

	diagnoses, err := p.db.ClaimDiagnoses(ctx, p.claimOptions())
	if err != nil {
		return res, err
	}
	res.Claimed = len(diagnoses)
	if len(diagnoses) == 0 {
		return res, nil
	}
	observed, err := p.effectiveness(ctx)
	if err != nil {
		return res, err
	}
	for _, d := range diagnoses {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := p.strategize(ctx, d, observed)
		if err != nil {
			p.track(ctx, &res, "failed")
			p.release(ctx, model.StageStrategist, d.ID, err)
			continue
		}
		err = p.db.CompleteDiagnosis(ctx, d.ID, rec, model.AgentDecision{
			Stage:      model.StageStrategist,
			Decision:   fmt.Sprintf("priority=%d items=%d", rec.Priority, len(rec.ActionItems)),
			Reasoning:  rec.Reasoning,
			Confidence: d.Confidence,
		})
		switch {
		case errors.Is(err, storage.ErrAlreadyProcessed):
			p.track(ctx, &res, "skipped")
			continue
		case err != nil:
			p.track(ctx, &res, "failed")
			p.release(ctx, model.StageStrategist, d.ID, err)
			continue
		}
		p.track(ctx, &res, "succeeded")
	}
	return res, nil
}

func (p *Pipeline) effectiveness(ctx context.Context) (map[model.RootCause]model.StrategyEffectiveness, error) {
	rows, err := p.db.StrategyEffectiveness(ctx, p.cfg.MinEffectivenessSamples)
	if err != nil {
		return nil, err
	}
	out := make(map[model.RootCause]model.StrategyEffectiveness, len(rows))
	for _, r := range rows {
		out[r.RootCause] = r
	}
	return out, nil
}

func (p *Pipeline) strategize(ctx context.Context, d model.Diagnosis, observed map[model.RootCause]model.StrategyEffectiveness) (model.Recommendation, error) {
	severity := model.SeverityMedium
	f, err := p.db.GetFinding(ctx, d.FindingID)
	switch {
	case err == nil:
		severity = f.Severity
	case !errors.Is(err, storage.ErrNotFound):
		return model.Recommendation{}, err
	}

	rec := Plan(d, severity, observed)
	text, ok, err := p.reason(ctx, model.StageStrategist, llm.StrategyPrompt(llm.StrategyInput{
		Diagnosis:   d,
		ActionItems: rec.ActionItems,
		LiftPct:     rec.ExpectedTrafficLiftPct,
	}))
	if err != nil {
		return model.Recommendation{}, err
	}
	if !ok {
		return rec, nil
	}
	parsed, err := llm.ParseStrategy(text)
	if err != nil {
		p.logger.Warn("pipeline: unusable strategy from reasoner, using rules", "diagnosis_id", d.ID, "error", err)
		return rec, nil
	}
	if parsed.Priority > 0 {
		rec.Priority = parsed.Priority
	}
	rec.Reasoning = parsed.Reasoning
	return rec, nil
}

// Plan builds the rule-based recommendation for a diagnosis. Action items
// come from the remediation playbook for the root cause, ranked by their
// priority score.
func Plan(d model.Diagnosis, severity model.Severity, observed map[model.RootCause]model.StrategyEffectiveness) model.Recommendation {
	plays := actions.PlaysForCause(d.RootCause)
	urgency := urgencyFor(severity)
	items := make([]model.ActionItem, 0, len(plays))
	var effort, maxImpact int
	for _, pl := range plays {
		items = append(items, model.ActionItem{
			ActionType:  pl.ActionType,
			Title:       pl.Title,
			Description: pl.Description,
			ImpactScore: pl.Impact,
			EffortScore: pl.Effort,
		})
		effort += pl.Effort
		maxImpact = max(maxImpact, pl.Impact)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return model.ScorePriority(items[i].ImpactScore, items[i].EffortScore, urgency) >
			model.ScorePriority(items[j].ImpactScore, items[j].EffortScore, urgency)
	})
	for i := range items {
		items[i].Rank = i + 1
	}

	lift := baseLiftPct[d.RootCause] * d.Confidence
	reasoning := fmt.Sprintf("%s root cause at %.0f%% confidence; %d remediation step(s).",
		d.RootCause, d.Confidence*100, len(items))
	if o, ok := observed[d.RootCause]; ok {
		lift = (lift + o.AvgLiftPct) / 2
		reasoning += fmt.Sprintf(" Past %s fixes averaged %.1f%% lift over %d executions.", d.RootCause, o.AvgLiftPct, o.Samples)
	}

	return model.Recommendation{
		DiagnosisID:            d.ID,
		InsightID:              d.InsightID,
		Property:               d.Property,
		RootCause:              d.RootCause,
		ActionItems:            items,
		Priority:               priorityFor(severity, d.RootCause, d.Confidence),
		EstimatedEffortHours:   float64(effort) * hoursPerEffortPoint,
		ExpectedImpact:         impactFor(maxImpact),
		ExpectedTrafficLiftPct: math.Round(lift*10) / 10,
		Reasoning:              reasoning,
	}
}

// priorityFor maps severity and confidence to 1 (most urgent) through 5.
// Seasonal declines are one step less urgent.
func priorityFor(severity model.Severity, cause model.RootCause, confidence float64) int {
	p := 4
	switch severity {
	case model.SeverityHigh:
		p = 2
		if confidence >= 0.7 {
			p = 1
		}
	case model.SeverityMedium:
		p = 3
	}
	if cause == model.RootCauseSeasonal {
		p++
	}
	return min(p, 5)
}

func impactFor(maxImpact int) model.Impact {
	switch {
	case maxImpact >= 8:
		return model.ImpactHigh
	case maxImpact >= 5:
		return model.ImpactMedium
	}
	return model.ImpactLow
}

func urgencyFor(severity model.Severity) model.Urgency {
	switch severity {
	case model.SeverityHigh:
		return model.UrgencyHigh
	case model.SeverityMedium:
		return model.UrgencyMedium
	}
	return model.UrgencyLow
}
