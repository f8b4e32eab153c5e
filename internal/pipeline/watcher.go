package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

// Watch turns new risk insights of at least medium severity into findings.
// Each insight yields at most one finding: the dedupe key is the insight
// id, and a watched insight moves to investigating.
func (p *Pipeline) Watch(ctx context.Context, asOf time.Time) (res model.StageResult, err error) {
	res.Stage = model.StageWatcher
	defer timeStage(&res)()

	risk := model.CategoryRisk
	open, err := p.db.OpenInsights(ctx, &risk)
	if err != nil {
		return res, err
	}
	for _, in := range open {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if in.Status != model.InsightNew || !in.Severity.AtLeast(model.SeverityMedium) {
			continue
		}
		res.Claimed++

		f, err := p.findingFor(ctx, in, asOf)
		if err != nil {
			return res, err
		}
		created, err := p.db.InsertFinding(ctx, f, model.AgentDecision{
			Stage:      model.StageWatcher,
			Decision:   "raise_finding",
			Reasoning:  f.Summary,
			Confidence: in.Confidence,
		})
		if err != nil {
			p.track(ctx, &res, "failed")
			p.logger.Error("pipeline: watcher insert finding", "insight_id", in.ID, "error", err)
			continue
		}
		if !created {
			p.track(ctx, &res, "skipped")
			continue
		}
		p.track(ctx, &res, "succeeded")
		p.advance(ctx, &in.ID, model.InsightInvestigating)
	}
	return res, nil
}

// findingFor builds the finding for one insight. Its metrics are the
// insight's own values plus the entity's latest 7-day snapshot.
func (p *Pipeline) findingFor(ctx context.Context, in model.Insight, asOf time.Time) (model.Finding, error) {
	metrics := map[string]float64{}
	key := model.EntityKey{Property: in.Property, EntityType: in.EntityType, EntityID: in.EntityID}
	snapshot, err := p.db.EntityMetrics(ctx, key, asOf)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.Finding{}, fmt.Errorf("snapshot for %s: %w", in.ID, err)
	}
	for k, v := range snapshot {
		metrics[k] = v
	}
	for k, v := range in.Metrics.Values() {
		metrics[k] = v
	}

	summary := in.Title
	if summary == "" {
		summary = fmt.Sprintf("%s %s on %s %s", in.Severity, in.Category, in.EntityType, in.EntityID)
	}
	id := in.ID
	return model.Finding{
		InsightID:        &id,
		Property:         in.Property,
		DedupeKey:        "insight:" + in.ID,
		Category:         in.Category,
		Severity:         in.Severity,
		Summary:          summary,
		AffectedEntities: []string{string(in.EntityType) + ":" + in.EntityID},
		Metrics:          metrics,
	}, nil
}
