// Package actions derives prioritized Actions from Insights and manages
// their lifecycle.
//
// The HTTP API, the MCP server and refresh runs all go through this
// service, so priority scoring and timestamp stamping happen in one place.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/internal/telemetry"
)

// Service encapsulates action business logic.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
	now    func() time.Time

	derived metric.Int64Counter
}

// New creates an action Service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	meter := telemetry.Meter("mitoshi/actions")
	derived, _ := meter.Int64Counter("mitoshi.actions.derived",
		metric.WithDescription("Actions created by derivation"),
	)
	return &Service{db: db, logger: logger, now: time.Now, derived: derived}
}

// DeriveResult counts what one derivation pass did.
type DeriveResult struct {
	Created   int
	Refreshed int
	Skipped   int
}

// Total is created plus refreshed.
func (r DeriveResult) Total() int { return r.Created + r.Refreshed }

// DeriveForInsights derives actions for every open insight the playbook
// covers. Baselines come from the entity's latest unified row at asOf; an
// entity without rows gets no baseline. Validation failures are logged and
// skipped. Storage errors abort and are returned with the partial result.
func (s *Service) DeriveForInsights(ctx context.Context, insights []model.Insight, asOf time.Time) (DeriveResult, error) {
	var res DeriveResult
	now := s.now()
	for _, in := range insights {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !in.IsOpen() || len(PlaysFor(in)) == 0 {
			res.Skipped++
			continue
		}
		key := model.EntityKey{Property: in.Property, EntityType: in.EntityType, EntityID: in.EntityID}
		baseline, err := s.db.EntityMetrics(ctx, key, asOf)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return res, fmt.Errorf("actions: baseline for %s: %w", in.ID, err)
		}
		for _, d := range Derive(in, baseline) {
			_, created, err := s.db.UpsertDerivedAction(ctx, d, now)
			if err != nil {
				if errors.Is(err, model.ErrValidation) {
					s.logger.Warn("actions: rejected derived action", "insight_id", in.ID, "action_type", d.ActionType, "error", err)
					res.Skipped++
					continue
				}
				return res, fmt.Errorf("actions: derive %s for %s: %w", d.ActionType, in.ID, err)
			}
			if created {
				res.Created++
				s.derived.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", d.ActionType)))
			} else {
				res.Refreshed++
			}
		}
	}
	return res, nil
}

// Get returns one action.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Action, error) {
	return s.db.GetAction(ctx, id)
}

// List returns actions matching f and the total match count.
func (s *Service) List(ctx context.Context, f model.ActionFilter) ([]model.Action, int, error) {
	return s.db.ListActions(ctx, f)
}

// TopPriority returns the active queue of a property, highest priority
// first.
func (s *Service) TopPriority(ctx context.Context, property string, limit int) ([]model.Action, error) {
	return s.db.TopPriorityActions(ctx, property, limit)
}

// Update applies a partial update. Priority is recomputed and lifecycle
// timestamps are stamped by model.ApplyActionUpdate.
func (s *Service) Update(ctx context.Context, id uuid.UUID, u model.ActionUpdate) (model.Action, error) {
	a, err := s.db.UpdateAction(ctx, id, u, s.now())
	if err != nil {
		return model.Action{}, err
	}
	s.logger.Info("actions: updated", "action_id", id, "status", a.Status, "priority", a.PriorityScore)
	return a, nil
}

// RecordOutcome stores post-completion metrics and classifies the lift
// against metrics_before.
func (s *Service) RecordOutcome(ctx context.Context, id uuid.UUID, after map[string]float64) (model.Action, error) {
	if len(after) == 0 {
		return model.Action{}, fmt.Errorf("%w: metrics_after is required", model.ErrValidation)
	}
	a, err := s.db.RecordActionOutcome(ctx, id, after, s.now())
	if err != nil {
		return model.Action{}, err
	}
	s.logger.Info("actions: outcome recorded", "action_id", id, "outcome", a.Outcome)
	return a, nil
}
