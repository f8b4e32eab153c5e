package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/mitoshi/internal/detectors"
	"github.com/ashita-ai/mitoshi/internal/llm"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

// noHistoryConfidence is the confidence of the content fallback when the
// entity has no aggregated rows to classify.
const noHistoryConfidence = 0.3

// Diagnose claims pending findings and writes one diagnosis per finding.
// The root cause comes from the rule classifier over the entity's latest
// aggregated row; a configured reasoner may override it. A reasoner timeout
// releases the finding for a later attempt.
func (p *Pipeline) Diagnose(ctx context.Context, asOf time.Time) (res model.StageResult, err error) {
	res.Stage = model.StageDiagnostician
	defer timeStage(&res)()

	findings, err := p.db.ClaimFindings(ctx, p.claimOptions())
	if err != nil {
		return res, err
	}
	res.Claimed = len(findings)
	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d, err := p.diagnose(ctx, f, asOf)
		if err != nil {
			p.track(ctx, &res, "failed")
			p.release(ctx, model.StageDiagnostician, f.ID, err)
			continue
		}
		err = p.db.CompleteFinding(ctx, f.ID, d, model.AgentDecision{
			Stage:      model.StageDiagnostician,
			Decision:   "root_cause=" + string(d.RootCause),
			Reasoning:  d.Reasoning,
			Confidence: d.Confidence,
		})
		switch {
		case errors.Is(err, storage.ErrAlreadyProcessed):
			p.track(ctx, &res, "skipped")
			continue
		case err != nil:
			p.track(ctx, &res, "failed")
			p.release(ctx, model.StageDiagnostician, f.ID, err)
			continue
		}
		p.track(ctx, &res, "succeeded")
		p.advance(ctx, f.InsightID, model.InsightDiagnosed)
		p.logger.Debug("pipeline: diagnosed", "finding_id", f.ID, "root_cause", d.RootCause, "confidence", d.Confidence)
	}
	return res, nil
}

func (p *Pipeline) diagnose(ctx context.Context, f model.Finding, asOf time.Time) (model.Diagnosis, error) {
	rule, err := p.classify(ctx, f, asOf)
	if err != nil {
		return model.Diagnosis{}, err
	}
	d := model.Diagnosis{
		FindingID:          f.ID,
		InsightID:          f.InsightID,
		Property:           f.Property,
		RootCause:          rule.Cause,
		Confidence:         rule.Confidence,
		SupportingEvidence: rule.Evidence,
		Reasoning:          ruleReasoning(rule),
	}

	text, ok, err := p.reason(ctx, model.StageDiagnostician, llm.DiagnosisPrompt(llm.DiagnosisInput{
		Finding:        f,
		RuleCause:      rule.Cause,
		RuleConfidence: rule.Confidence,
	}))
	if err != nil {
		return model.Diagnosis{}, err
	}
	if !ok {
		return d, nil
	}
	parsed, err := llm.ParseDiagnosis(text)
	if err != nil {
		p.logger.Warn("pipeline: unusable diagnosis from reasoner, using rules", "finding_id", f.ID, "error", err)
		return d, nil
	}
	d.RootCause = parsed.RootCause
	if parsed.Confidence > 0 {
		d.Confidence = parsed.Confidence
	}
	d.SupportingEvidence = append(d.SupportingEvidence, parsed.Evidence...)
	if parsed.Reasoning != "" {
		d.Reasoning = parsed.Reasoning
	}
	return d, nil
}

// classify runs the rule classifier on the finding's entity. Without an
// insight or aggregated rows it falls back to a low-confidence content
// cause.
func (p *Pipeline) classify(ctx context.Context, f model.Finding, asOf time.Time) (detectors.RootCauseResult, error) {
	fallback := detectors.RootCauseResult{
		Cause:      model.RootCauseContent,
		Confidence: noHistoryConfidence,
		Evidence:   []string{"no aggregated history for the entity"},
	}
	if f.InsightID == nil {
		return fallback, nil
	}
	in, err := p.db.GetInsight(ctx, *f.InsightID)
	if errors.Is(err, storage.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return detectors.RootCauseResult{}, err
	}
	key := model.EntityKey{Property: in.Property, EntityType: in.EntityType, EntityID: in.EntityID}
	row, err := p.db.LatestUnifiedRow(ctx, key, asOf)
	if errors.Is(err, storage.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return detectors.RootCauseResult{}, err
	}
	var property *model.UnifiedRow
	if in.EntityType != model.EntityProperty {
		pk := model.EntityKey{Property: in.Property, EntityType: model.EntityProperty, EntityID: in.Property}
		pr, err := p.db.LatestUnifiedRow(ctx, pk, asOf)
		switch {
		case err == nil:
			property = &pr
		case !errors.Is(err, storage.ErrNotFound):
			return detectors.RootCauseResult{}, err
		}
	}
	return detectors.ClassifyRootCause(row, property, p.cfg.Detectors), nil
}

func ruleReasoning(r detectors.RootCauseResult) string {
	if len(r.Evidence) == 0 {
		return fmt.Sprintf("Classified as %s by signal rules.", r.Cause)
	}
	return fmt.Sprintf("Classified as %s by signal rules: %s.", r.Cause, r.Evidence[0])
}
