// Package scheduler triggers refresh runs and retention purges on cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/refresh"
	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/internal/timeseries"
)

// Refresher runs one refresh. *refresh.Runner implements it.
type Refresher interface {
	Run(ctx context.Context, asOf time.Time, trigger string) (model.RefreshRun, error)
}

// Purger applies a retention policy. *storage.DB implements it.
type Purger interface {
	Purge(ctx context.Context, p storage.RetentionPolicy, now time.Time) (storage.PurgeCount, error)
}

// Config holds the schedules in standard five-field cron syntax.
type Config struct {
	RefreshSchedule string
	// RetentionSchedule may be empty to disable purging.
	RetentionSchedule string
	Retention         storage.RetentionPolicy
	// AsOfLagDays is how many days behind today a scheduled run analyzes.
	// Feeds usually land a day late.
	AsOfLagDays int
	RunTimeout  time.Duration
	Location    *time.Location
}

func (c *Config) defaults() {
	if c.RefreshSchedule == "" {
		c.RefreshSchedule = "0 6 * * *"
	}
	if c.AsOfLagDays < 0 {
		c.AsOfLagDays = 0
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = time.Hour
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Scheduler owns the cron loop. Jobs are skipped, not queued, while the
// previous invocation of the same job is still running.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	purger    Purger
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	refreshID cron.EntryID

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the schedules and registers the jobs. purger may be nil.
func New(refresher Refresher, purger Purger, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	cfg.defaults()
	s := &Scheduler{
		refresher: refresher,
		purger:    purger,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		ctx:       context.Background(),
	}
	cl := cronLogger{logger}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	id, err := s.cron.AddFunc(cfg.RefreshSchedule, s.refresh)
	if err != nil {
		return nil, fmt.Errorf("scheduler: refresh schedule %q: %w", cfg.RefreshSchedule, err)
	}
	s.refreshID = id
	if cfg.RetentionSchedule != "" && purger != nil {
		if _, err := s.cron.AddFunc(cfg.RetentionSchedule, s.purge); err != nil {
			return nil, fmt.Errorf("scheduler: retention schedule %q: %w", cfg.RetentionSchedule, err)
		}
	}
	return s, nil
}

// Start runs the cron loop in the background. Jobs run under a context
// derived from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler: started", "refresh", s.cfg.RefreshSchedule, "next_run", s.NextRefresh())
}

// Stop stops scheduling, cancels running jobs and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
		s.logger.Info("scheduler: stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out with jobs still running")
	}
}

// NextRefresh is the next scheduled refresh time, zero before Start.
func (s *Scheduler) NextRefresh() time.Time {
	return s.cron.Entry(s.refreshID).Next
}

// AsOf is the date a run started at t analyzes.
func (s *Scheduler) AsOf(t time.Time) time.Time {
	return timeseries.Truncate(t.In(s.cfg.Location)).AddDate(0, 0, -s.cfg.AsOfLagDays)
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	return context.WithTimeout(base, s.cfg.RunTimeout)
}

func (s *Scheduler) refresh() {
	ctx, cancel := s.jobContext()
	defer cancel()
	asOf := s.AsOf(s.now())
	run, err := s.refresher.Run(ctx, asOf, refresh.TriggerSchedule)
	switch {
	case errors.Is(err, refresh.ErrRunInProgress):
		s.logger.Info("scheduler: refresh skipped, a run is in progress", "as_of", asOf.Format(time.DateOnly))
	case err != nil:
		s.logger.Error("scheduler: refresh failed", "as_of", asOf.Format(time.DateOnly), "run_id", run.ID, "error", err)
	default:
		s.logger.Info("scheduler: refresh finished", "run_id", run.ID, "status", run.Status)
	}
}

func (s *Scheduler) purge() {
	ctx, cancel := s.jobContext()
	defer cancel()
	n, err := s.purger.Purge(ctx, s.cfg.Retention, s.now())
	if err != nil {
		s.logger.Error("scheduler: retention purge failed", "removed", n.Total(), "error", err)
		return
	}
	s.logger.Info("scheduler: retention purge",
		"insights", n.Insights,
		"notifications", n.Notifications,
		"refresh_runs", n.RefreshRuns,
		"idempotency_keys", n.IdempotencyKeys,
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("scheduler: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("scheduler: "+msg, append(keysAndValues, "error", err)...)
}
