// Package refresh runs one batch refresh: aggregate the feeds, run the
// detectors, upsert Insights, derive Actions, advance the agent pipeline and
// evaluate alerts. Each run is persisted with its report.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/mitoshi/internal/alerts"
	"github.com/ashita-ai/mitoshi/internal/detectors"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/pipeline"
	"github.com/ashita-ai/mitoshi/internal/service/actions"
	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/internal/telemetry"
	"github.com/ashita-ai/mitoshi/internal/timeseries"
)

// Trigger values recorded on runs.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

// ErrRunInProgress is returned when a run is requested while another run of
// the same Runner is still going.
var ErrRunInProgress = errors.New("refresh: a run is already in progress")

// finalizeTimeout bounds writing the run record after the run context was
// cancelled.
const finalizeTimeout = 10 * time.Second

// Config holds the run parameters.
type Config struct {
	// WindowDays is the number of days, ending at asOf, the detectors
	// analyze and the unified view is rewritten for.
	WindowDays int
}

// Runner executes refresh runs. Pipeline and Alerts are optional.
type Runner struct {
	db         *storage.DB
	aggregator *timeseries.Aggregator
	detectors  *detectors.Runner
	actions    *actions.Service
	pipeline   *pipeline.Pipeline
	alerts     *alerts.Aggregator
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex
	wg sync.WaitGroup

	runs     metric.Int64Counter
	upserted metric.Int64Counter
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Aggregator *timeseries.Aggregator
	Detectors  *detectors.Runner
	Actions    *actions.Service
	Pipeline   *pipeline.Pipeline
	Alerts     *alerts.Aggregator
}

// New creates a Runner.
func New(db *storage.DB, deps Deps, cfg Config, logger *slog.Logger) *Runner {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 28
	}
	meter := telemetry.Meter("mitoshi/refresh")
	runs, _ := meter.Int64Counter("mitoshi.refresh.runs",
		metric.WithDescription("Refresh runs by final status"),
	)
	upserted, _ := meter.Int64Counter("mitoshi.insights.upserted",
		metric.WithDescription("Insights written by refresh runs"),
	)
	return &Runner{
		db:         db,
		aggregator: deps.Aggregator,
		detectors:  deps.Detectors,
		actions:    deps.Actions,
		pipeline:   deps.Pipeline,
		alerts:     deps.Alerts,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		runs:       runs,
		upserted:   upserted,
	}
}

// Run executes one refresh as of asOf and returns the finished run record.
//
// Runs do not overlap: while one is going, Run returns ErrRunInProgress.
// A store that cannot be reached fails the call before any run is recorded.
// Detector failures are reported in the run and never fail it; a storage
// error from a later step fails the run with the partial report. Context
// cancellation stops between steps and records the run as failed with
// Cancelled set.
func (r *Runner) Run(ctx context.Context, asOf time.Time, trigger string) (model.RefreshRun, error) {
	if !r.mu.TryLock() {
		return model.RefreshRun{}, ErrRunInProgress
	}
	defer r.mu.Unlock()

	ctx, span := telemetry.Tracer("mitoshi/refresh").Start(ctx, "refresh.run")
	defer span.End()

	run, err := r.begin(ctx, span, asOf, trigger)
	if err != nil {
		return model.RefreshRun{}, err
	}
	return r.finish(ctx, span, run)
}

// Start records a new run and executes it in the background, returning the
// run ID once the run is recorded. ctx governs the run itself, so it must
// outlive the caller's request. Wait blocks until background runs finish.
func (r *Runner) Start(ctx context.Context, asOf time.Time, trigger string) (uuid.UUID, error) {
	if !r.mu.TryLock() {
		return uuid.Nil, ErrRunInProgress
	}
	ctx, span := telemetry.Tracer("mitoshi/refresh").Start(ctx, "refresh.run")
	run, err := r.begin(ctx, span, asOf, trigger)
	if err != nil {
		span.End()
		r.mu.Unlock()
		return uuid.Nil, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.mu.Unlock()
		defer span.End()
		_, _ = r.finish(ctx, span, run)
	}()
	return run.ID, nil
}

// Wait blocks until every run launched by Start has finished.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) begin(ctx context.Context, span trace.Span, asOf time.Time, trigger string) (model.RefreshRun, error) {
	asOf = timeseries.Truncate(asOf)
	if err := r.db.Ping(ctx); err != nil {
		span.SetStatus(codes.Error, "store unavailable")
		return model.RefreshRun{}, fmt.Errorf("refresh: store unavailable: %w", err)
	}
	run, err := r.db.CreateRefreshRun(ctx, asOf, trigger)
	if err != nil {
		span.SetStatus(codes.Error, "create run")
		return model.RefreshRun{}, err
	}
	r.logger.Info("refresh: run started", "run_id", run.ID, "as_of", asOf.Format(time.DateOnly), "trigger", trigger)
	return run, nil
}

func (r *Runner) finish(ctx context.Context, span trace.Span, run model.RefreshRun) (model.RefreshRun, error) {
	log := r.logger.With("run_id", run.ID, "as_of", run.AsOf.Format(time.DateOnly))
	start := time.Now()
	report, runErr := r.execute(ctx, log, run.AsOf)

	status := model.RunStatusCompleted
	errMsg := ""
	if runErr != nil {
		status = model.RunStatusFailed
		errMsg = runErr.Error()
		if ctx.Err() != nil {
			report.Cancelled = true
		}
	}

	// The run record is written even when ctx was cancelled.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := r.db.CompleteRefreshRun(finCtx, run.ID, status, report, errMsg); err != nil {
		log.Error("refresh: record run result", "error", err)
		return run, errors.Join(runErr, err)
	}
	r.runs.Add(finCtx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	span.SetAttributes(
		attribute.String("run_id", run.ID.String()),
		attribute.String("status", string(status)),
		attribute.Int("insights_upserted", report.InsightsUpserted),
	)

	if runErr != nil {
		span.SetStatus(codes.Error, errMsg)
		log.Error("refresh: run failed", "error", runErr, "cancelled", report.Cancelled, "elapsed", time.Since(start))
	} else {
		log.Info("refresh: run completed",
			"unified_rows", report.Aggregation.UnifiedRows,
			"insights_upserted", report.InsightsUpserted,
			"actions_derived", report.ActionsDerived,
			"alerts_opened", report.Alerts.Opened,
			"elapsed", time.Since(start),
		)
	}

	done, gerr := r.db.GetRefreshRun(finCtx, run.ID)
	if gerr != nil {
		return run, errors.Join(runErr, gerr)
	}
	return done, runErr
}

// execute runs the steps in order. The returned report holds whatever was
// done before an error.
func (r *Runner) execute(ctx context.Context, log *slog.Logger, asOf time.Time) (model.RunReport, error) {
	report := model.RunReport{AsOf: asOf}

	from := asOf.AddDate(0, 0, -(r.cfg.WindowDays - 1))
	window := storage.FeedRange{From: from, To: asOf}
	history := storage.FeedRange{From: from.AddDate(0, 0, -timeseries.HistoryDays), To: asOf}

	rows, queryPages, err := r.aggregate(ctx, window, history, &report.Aggregation)
	if err != nil {
		return report, err
	}
	log.Debug("refresh: aggregated", "unified_rows", report.Aggregation.UnifiedRows, "entities", report.Aggregation.Entities)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	open, err := r.db.OpenInsights(ctx, nil)
	if err != nil {
		return report, err
	}
	detection, err := r.detectors.Run(ctx, detectors.NewWindow(asOf, r.cfg.WindowDays, rows, queryPages, open))
	report.Detectors = detection.Results
	if err != nil {
		return report, err
	}

	upserted, created, err := r.upsert(ctx, log, detection.Drafts, &report)
	if err != nil {
		return report, err
	}

	if r.actions != nil {
		derived, err := r.actions.DeriveForInsights(ctx, upserted, asOf)
		report.ActionsDerived = derived.Created
		if err != nil {
			return report, err
		}
	}

	if r.pipeline != nil {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		stages, err := r.pipeline.Run(ctx, asOf)
		report.Stages = stages
		if err != nil {
			return report, err
		}
	}

	if r.alerts != nil {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		stats, err := r.alerts.Evaluate(ctx, created)
		report.Alerts = stats
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// aggregate reads the feeds over history, writes the unified view for the
// window and returns every aggregated row, history included, with the
// window's query-page pairs.
func (r *Runner) aggregate(ctx context.Context, window, history storage.FeedRange, stats *model.AggregationStats) ([]model.UnifiedRow, []model.QueryPageRow, error) {
	search, err := r.db.ReadSearchRows(ctx, history)
	if err != nil {
		return nil, nil, err
	}
	engagement, err := r.db.ReadEngagementRows(ctx, history)
	if err != nil {
		return nil, nil, err
	}
	vitals, err := r.db.ReadVitals(ctx, history)
	if err != nil {
		return nil, nil, err
	}
	queryPages, err := r.db.ReadQueryPages(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	stats.SearchRows = len(search)
	stats.EngagementRows = len(engagement)

	rows := r.aggregator.Aggregate(timeseries.Input{
		Search:     search,
		Engagement: engagement,
		Vitals:     vitals,
		From:       history.From,
		AsOf:       window.To,
	})

	var inWindow []model.UnifiedRow
	entities := map[model.EntityKey]struct{}{}
	for _, u := range rows {
		if u.Date.Before(window.From) {
			continue
		}
		inWindow = append(inWindow, u)
		entities[u.EntityKey] = struct{}{}
		if len(u.QualityFlags) > 0 {
			stats.Flagged++
		}
	}
	stats.UnifiedRows = len(inWindow)
	stats.Entities = len(entities)

	if err := r.db.ReplaceUnifiedRows(ctx, window, inWindow); err != nil {
		return nil, nil, err
	}
	return rows, queryPages, nil
}

// upsert writes drafts and returns the upserted insights and the subset
// that did not exist before. Rejected drafts are counted and skipped.
func (r *Runner) upsert(ctx context.Context, log *slog.Logger, drafts []model.InsightDraft, report *model.RunReport) (all, created []model.Insight, err error) {
	// Origins before the diagnoses that link to them.
	ordered := make([]model.InsightDraft, 0, len(drafts))
	var linked []model.InsightDraft
	for _, d := range drafts {
		if d.LinkedInsightID != nil {
			linked = append(linked, d)
			continue
		}
		ordered = append(ordered, d)
	}
	ordered = append(ordered, linked...)

	for _, d := range ordered {
		if err := ctx.Err(); err != nil {
			return all, created, err
		}
		in, isNew, err := r.db.UpsertInsight(ctx, d)
		if err != nil {
			if errors.Is(err, model.ErrValidation) {
				report.InsightsRejected++
				log.Warn("refresh: rejected insight draft", "source", d.Source, "entity_id", d.EntityID, "error", err)
				continue
			}
			return all, created, err
		}
		report.InsightsUpserted++
		r.upserted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", d.Source),
			attribute.Bool("created", isNew),
		))
		all = append(all, in)
		if isNew {
			created = append(created, in)
		}
	}
	return all, created, nil
}
