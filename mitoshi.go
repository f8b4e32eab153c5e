// Package mitoshi is the public API for embedding the Mitoshi search and
// engagement insight server.
//
//	app, err := mitoshi.New(
//	    mitoshi.WithVersion(version),
//	    mitoshi.WithLogger(logger),
//	    mitoshi.WithSender("slack", mySlackSender{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types are
// standalone structs; the adapters that convert between the two sides live
// in this file.
package mitoshi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/mitoshi/internal/alerts"
	"github.com/ashita-ai/mitoshi/internal/auth"
	"github.com/ashita-ai/mitoshi/internal/config"
	"github.com/ashita-ai/mitoshi/internal/detectors"
	"github.com/ashita-ai/mitoshi/internal/llm"
	"github.com/ashita-ai/mitoshi/internal/mcp"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/pipeline"
	"github.com/ashita-ai/mitoshi/internal/ratelimit"
	"github.com/ashita-ai/mitoshi/internal/refresh"
	"github.com/ashita-ai/mitoshi/internal/scheduler"
	"github.com/ashita-ai/mitoshi/internal/server"
	"github.com/ashita-ai/mitoshi/internal/service/actions"
	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/internal/telemetry"
	"github.com/ashita-ai/mitoshi/internal/timeseries"
	"github.com/ashita-ai/mitoshi/migrations"
)

// abandonedRunAge is how old a run still marked running must be before
// startup declares it failed. A crashed process leaves such rows behind.
const abandonedRunAge = 10 * time.Minute

// App is the Mitoshi server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	runner       *refresh.Runner
	sched        *scheduler.Scheduler
	worker       *alerts.Worker
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	// runCtx bounds runs started through the API or at startup. Shutdown
	// cancels it once the drain timeout passes.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New connects to the database, runs migrations and wires every subsystem.
// It starts no goroutines and accepts no connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Non-fatal; production has no .env file.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.detectorConfig != "" {
		cfg.DetectorConfigPath = o.detectorConfig
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("mitoshi starting", "version", version, "port", cfg.Port)

	thresholds, err := detectors.LoadThresholds(cfg.DetectorConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.DetectorConcurrency > 0 {
		thresholds.Detectors.Concurrency = cfg.DetectorConcurrency
	}

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return nil, err
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}
	if n, err := db.FailAbandonedRuns(ctx, abandonedRunAge); err != nil {
		logger.Warn("refresh: failed to close abandoned runs", "error", err)
	} else if n > 0 {
		logger.Warn("refresh: closed abandoned runs", "count", n)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	keys, err := auth.NewKeyRing(map[model.Role]string{
		model.RoleAdmin:  cfg.AdminAPIKey,
		model.RoleViewer: cfg.ViewerAPIKey,
	})
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	if keys.Len() == 0 {
		logger.Warn("auth: no API keys configured, POST /auth/token will reject every request")
	}

	var reasoner llm.Reasoner
	if o.reasoner != nil {
		reasoner = o.reasoner
		logger.Info("llm: external reasoner")
	} else if reasoner, err = llm.New(llm.Config{
		Provider:     cfg.LLMProvider,
		OllamaURL:    cfg.OllamaURL,
		Model:        cfg.LLMModel,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		Timeout:      cfg.LLMTimeout,
	}, logger); err != nil {
		return fail(err)
	}

	actionsSvc := actions.New(db, logger)
	alertsAgg := alerts.NewAggregator(db, logger)
	pipe := pipeline.New(db, reasoner, pipeline.Config{
		BatchSize:      cfg.PipelineBatchSize,
		Lease:          cfg.PipelineLease,
		MaxAttempts:    cfg.PipelineMaxAttempts,
		StaleThreshold: cfg.StaleThreshold,
		MonitorWindow:  cfg.MonitorWindow,
		DryRun:         cfg.DryRun,
		Detectors:      thresholds.Detectors,
	}, logger)

	runner := refresh.New(db, refresh.Deps{
		Aggregator: timeseries.New(thresholds.Aggregation),
		Detectors:  detectors.NewRunner(detectors.All(), thresholds.Detectors, logger),
		Actions:    actionsSvc,
		Pipeline:   pipe,
		Alerts:     alertsAgg,
	}, refresh.Config{WindowDays: cfg.WindowDays}, logger)

	sched, err := scheduler.New(runner, db, scheduler.Config{
		RefreshSchedule:   cfg.RefreshSchedule,
		RetentionSchedule: cfg.RetentionSchedule,
		Retention: storage.RetentionPolicy{
			ResolvedInsights:  cfg.ResolvedInsightRetention,
			SentNotifications: cfg.SentNotificationRetention,
			RefreshRuns:       cfg.RefreshRunRetention,
			IdempotencyKeys:   cfg.IdempotencyKeyRetention,
		},
		AsOfLagDays: cfg.AsOfLagDays,
		RunTimeout:  cfg.RunTimeout,
	}, logger)
	if err != nil {
		return fail(err)
	}

	senders := map[string]alerts.Sender{
		"log":     alerts.LogSender{Logger: logger},
		"webhook": alerts.NewWebhookSender(cfg.NotifySendTimeout),
	}
	for channel, s := range o.senders {
		senders[channel] = senderAdapter{s: s}
	}
	mcpSrv := mcp.New(db, actionsSvc, alertsAgg, logger, version)

	worker := alerts.NewWorker(db, senders, alerts.WorkerConfig{
		PollInterval:  cfg.NotifyPollInterval,
		MaxAttempts:   cfg.NotifyMaxAttempts,
		SendTimeout:   cfg.NotifySendTimeout,
		SentRetention: cfg.SentNotificationRetention,
		RunCompleted:  mcpSrv.RunCompleted,
	}, logger)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory token bucket", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Keys:                keys,
		Actions:             actionsSvc,
		Alerts:              alertsAgg,
		Logger:              logger,
		Runs:                runner,
		RunContext:          runCtx,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		runner:       runner,
		sched:        sched,
		worker:       worker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
		runCtx:       runCtx,
		cancelRun:    cancelRun,
	}, nil
}

// Handler returns the root HTTP handler, for tests and embedding behind
// another server.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts background work and serves HTTP until ctx is cancelled or the
// server fails. Shutdown is called on return; callers should not call it
// separately.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)
	a.sched.Start(ctx)

	if a.cfg.RunOnStart {
		asOf := a.sched.AsOf(time.Now())
		if id, err := a.runner.Start(a.runCtx, asOf, refresh.TriggerStartup); err != nil {
			a.logger.Warn("refresh: startup run not started", "error", err)
		} else {
			a.logger.Info("refresh: startup run started", "run_id", id, "as_of", asOf.Format(time.DateOnly))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		a.logger.Error("http server failed", "error", serveErr)
	}
	return errors.Join(serveErr, a.Shutdown(context.Background()))
}

// Shutdown stops in order: HTTP (drain in-flight requests), the scheduler,
// API-started runs, then the notification worker. It then closes the
// database pool and flushes telemetry. Each phase gets its own slice of
// the configured shutdown timeout.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mitoshi shutting down")
	phase := a.cfg.ShutdownTimeout / 3
	var errs []error

	httpCtx, cancel := contextWithOptionalTimeout(ctx, phase)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	cancel()

	schedCtx, cancel := contextWithOptionalTimeout(ctx, phase)
	a.sched.Stop(schedCtx)
	cancel()

	runCtx, cancel := contextWithOptionalTimeout(ctx, phase)
	a.waitRuns(runCtx)
	cancel()

	drainCtx, cancel := contextWithOptionalTimeout(ctx, phase)
	a.worker.Drain(drainCtx)
	cancel()

	_ = a.limiter.Close()
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
	a.db.Close(context.Background())
	a.logger.Info("mitoshi stopped")
	return errors.Join(errs...)
}

// waitRuns lets background runs finish until ctx expires, then cancels
// them and waits for them to record their failure.
func (a *App) waitRuns(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("refresh: cancelling run still in progress at shutdown")
		a.cancelRun()
		<-done
	}
	a.cancelRun()
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// senderAdapter bridges a public NotificationSender to alerts.Sender.
type senderAdapter struct {
	s NotificationSender
}

func (a senderAdapter) Send(ctx context.Context, n model.Notification) error {
	return a.s.Send(ctx, toPublicNotification(n))
}

func toPublicNotification(n model.Notification) Notification {
	return Notification{
		ID:            n.ID,
		AlertID:       n.AlertID,
		ChannelType:   n.ChannelType,
		ChannelConfig: n.ChannelConfig,
		Payload:       n.Payload,
		Attempts:      n.Attempts,
	}
}
