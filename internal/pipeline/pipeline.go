// Package pipeline runs the agent pipeline: Watcher, Diagnostician,
// Strategist and Dispatcher, plus the Monitor that closes the loop.
//
// Each stage consumes records the previous stage wrote and has not been
// consumed yet. Records are leased with storage claims; the downstream
// write and the processed flag commit in one transaction, so two workers
// racing for the same record produce exactly one downstream record.
// Stages never share a transaction: a run cancelled between stages leaves
// every record in a consistent, resumable state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mitoshi/internal/detectors"
	"github.com/ashita-ai/mitoshi/internal/llm"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/internal/telemetry"
)

// Config tunes claiming and execution.
type Config struct {
	// Worker identifies this process in claimed_by. Defaults to the
	// hostname plus pid.
	Worker         string
	BatchSize      int
	Lease          time.Duration
	MaxAttempts    int
	StaleThreshold time.Duration
	MonitorWindow  time.Duration
	DryRun         bool
	// MinEffectivenessSamples is how many measured executions a root cause
	// needs before observed lift adjusts the Strategist's estimate.
	MinEffectivenessSamples int
	Detectors               detectors.Config
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:               50,
		Lease:                   5 * time.Minute,
		MaxAttempts:             5,
		StaleThreshold:          time.Hour,
		MonitorWindow:           14 * 24 * time.Hour,
		MinEffectivenessSamples: 3,
		Detectors:               detectors.DefaultConfig(),
	}
}

// Pipeline runs the agent stages against the store.
type Pipeline struct {
	db       *storage.DB
	reasoner llm.Reasoner
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	processed metric.Int64Counter
}

// New creates a Pipeline. A nil reasoner means rule-based reasoning only.
func New(db *storage.DB, reasoner llm.Reasoner, cfg Config, logger *slog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.Worker == "" {
		host, _ := os.Hostname()
		cfg.Worker = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = def.MonitorWindow
	}
	if cfg.MinEffectivenessSamples <= 0 {
		cfg.MinEffectivenessSamples = def.MinEffectivenessSamples
	}
	if reasoner == nil {
		reasoner = llm.Noop{}
	}
	meter := telemetry.Meter("mitoshi/pipeline")
	processed, _ := meter.Int64Counter("mitoshi.pipeline.records",
		metric.WithDescription("Pipeline records handled, by stage and outcome"),
	)
	return &Pipeline{
		db:        db,
		reasoner:  reasoner,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		processed: processed,
	}
}

func (p *Pipeline) claimOptions() storage.ClaimOptions {
	return storage.ClaimOptions{
		Worker:      p.cfg.Worker,
		Limit:       p.cfg.BatchSize,
		MaxAttempts: p.cfg.MaxAttempts,
		Lease:       p.cfg.Lease,
	}
}

// Run executes every stage once in order and returns one result per stage.
// A stage error stops the run; results for the stages that ran are still
// returned.
func (p *Pipeline) Run(ctx context.Context, asOf time.Time) ([]model.StageResult, error) {
	if _, err := p.SweepStale(ctx); err != nil {
		return nil, err
	}
	stages := []struct {
		stage model.Stage
		fn    func(context.Context, time.Time) (model.StageResult, error)
	}{
		{model.StageWatcher, p.Watch},
		{model.StageDiagnostician, p.Diagnose},
		{model.StageStrategist, p.Strategize},
		{model.StageDispatcher, p.Dispatch},
		{model.StageMonitor, p.Monitor},
	}
	out := make([]model.StageResult, 0, len(stages))
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.fn(ctx, asOf)
		out = append(out, res)
		if err != nil {
			return out, fmt.Errorf("pipeline: %s: %w", s.stage, err)
		}
		p.logger.Info("pipeline: stage complete",
			"stage", s.stage,
			"claimed", res.Claimed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"skipped", res.Skipped,
			"elapsed", res.Elapsed,
		)
	}
	return out, nil
}

// timeStage stamps res.Elapsed when the returned func runs.
func timeStage(res *model.StageResult) func() {
	start := time.Now()
	return func() { res.Elapsed = time.Since(start) }
}

// track records one record outcome on res and the stage counter.
func (p *Pipeline) track(ctx context.Context, res *model.StageResult, outcome string) {
	switch outcome {
	case "succeeded":
		res.Succeeded++
	case "failed":
		res.Failed++
	case "skipped":
		res.Skipped++
	}
	p.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(res.Stage)),
		attribute.String("outcome", outcome),
	))
}

// release gives a claimed record back after a failed attempt. The stage
// counts a failure either way; the record is retried until it runs out of
// attempts.
func (p *Pipeline) release(ctx context.Context, stage model.Stage, id uuid.UUID, cause error) {
	failed, err := p.db.ReleaseClaim(ctx, stage, id, cause.Error(), p.cfg.MaxAttempts)
	if err != nil {
		if !errors.Is(err, storage.ErrAlreadyProcessed) {
			p.logger.Error("pipeline: release claim", "stage", stage, "id", id, "error", err)
		}
		return
	}
	if failed {
		p.logger.Error("pipeline: record failed permanently", "stage", stage, "id", id, "error", cause)
		return
	}
	p.logger.Warn("pipeline: attempt failed, will retry", "stage", stage, "id", id, "error", cause)
}

// advance moves the originating insight forward. It never regresses a
// status and a missing insight is not an error.
func (p *Pipeline) advance(ctx context.Context, insightID *string, to model.InsightStatus) {
	if insightID == nil {
		return
	}
	if _, err := p.db.AdvanceInsightStatus(ctx, *insightID, to); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("pipeline: advance insight status", "insight_id", *insightID, "to", to, "error", err)
	}
}

// reason calls the reasoner and classifies the failure: timeouts are
// returned so the caller releases the claim, everything else degrades to
// the rule-based answer (ok=false).
func (p *Pipeline) reason(ctx context.Context, stage model.Stage, prompt string) (text string, ok bool, err error) {
	text, err = p.reasoner.Reason(ctx, prompt, llm.SystemContext)
	switch {
	case err == nil:
		return text, true, nil
	case errors.Is(err, model.ErrDependencyTimeout):
		return "", false, err
	case errors.Is(err, llm.ErrDisabled):
		return "", false, nil
	case ctx.Err() != nil:
		return "", false, ctx.Err()
	}
	p.logger.Warn("pipeline: reasoning unavailable, using rules", "stage", stage, "error", err)
	return "", false, nil
}
