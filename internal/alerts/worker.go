package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/internal/telemetry"
)

// WorkerConfig tunes notification delivery.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// SendTimeout bounds one Sender call. The claim lease is twice this, so
	// a slow send is never reclaimed while it is still running.
	SendTimeout time.Duration
	// SentRetention is how long delivered entries are kept.
	SentRetention time.Duration
	// RunCompleted, when set, receives the id of every refresh run that
	// finishes, as announced on storage.ChannelRuns. The worker owns the
	// store's only LISTEN connection, so run announcements are relayed
	// from here.
	RunCompleted func(runID string)
}

func (c *WorkerConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.SentRetention <= 0 {
		c.SentRetention = 7 * 24 * time.Hour
	}
}

// Worker drains the notification queue. It polls on an interval and is
// woken early by LISTEN on storage.ChannelNotifications when the store has
// a notify connection.
type Worker struct {
	db      *storage.DB
	senders map[string]Sender
	cfg     WorkerConfig
	logger  *slog.Logger

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context
	wake        chan struct{}

	delivered metric.Int64Counter
}

// NewWorker creates a delivery worker. senders maps channel type to its
// Sender; a notification for an unknown channel type fails permanently.
func NewWorker(db *storage.DB, senders map[string]Sender, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg.defaults()
	meter := telemetry.Meter("mitoshi/notifications")
	delivered, _ := meter.Int64Counter("mitoshi.notifications.deliveries",
		metric.WithDescription("Notification delivery attempts by channel and result"),
	)
	return &Worker{
		db:        db,
		senders:   senders,
		cfg:       cfg,
		logger:    logger,
		done:      make(chan struct{}),
		drainCh:   make(chan context.Context, 1),
		wake:      make(chan struct{}, 1),
		delivered: delivered,
	}
}

// Start begins the background loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("notifications: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.listen(loopCtx)
	go w.pollLoop(loopCtx)
}

// Drain stops the loop after one final batch and blocks until done or ctx
// expires. The final batch runs under ctx.
func (w *Worker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("notifications: drain timed out")
	}
}

// listen turns queue NOTIFYs into wakeups. Without a notify connection the
// worker relies on polling alone.
func (w *Worker) listen(ctx context.Context) {
	if !w.db.HasNotify() {
		return
	}
	if err := w.db.Listen(ctx, storage.ChannelNotifications); err != nil {
		w.logger.Debug("notifications: listen unavailable, polling only", "error", err)
		return
	}
	if w.cfg.RunCompleted != nil {
		if err := w.db.Listen(ctx, storage.ChannelRuns); err != nil {
			w.logger.Warn("notifications: listen for run completions", "error", err)
		}
	}
	for {
		channel, payload, err := w.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("notifications: wait for notification", "error", err)
			}
			return
		}
		w.dispatch(channel, payload)
	}
}

func (w *Worker) dispatch(channel, payload string) {
	switch channel {
	case storage.ChannelRuns:
		if w.cfg.RunCompleted != nil {
			w.cfg.RunCompleted(payload)
		}
	case storage.ChannelNotifications:
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.ProcessBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.ProcessBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
		case <-w.wake:
		}
		batchCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout*time.Duration(w.cfg.BatchSize+1))
		w.ProcessBatch(batchCtx)
		cancel()
	}
}

// ProcessBatch reclaims stuck entries, then claims and delivers one batch.
// It returns how many entries were sent.
func (w *Worker) ProcessBatch(ctx context.Context) int {
	if n, err := w.db.ReclaimStuckNotifications(ctx); err != nil {
		w.logger.Error("notifications: reclaim stuck", "error", err)
	} else if n > 0 {
		w.logger.Warn("notifications: reclaimed stuck entries", "count", n)
	}

	batch, err := w.db.ClaimNotifications(ctx, w.cfg.BatchSize, 2*w.cfg.SendTimeout)
	if err != nil {
		w.logger.Error("notifications: claim", "error", err)
		return 0
	}
	sent := 0
	for _, n := range batch {
		if w.deliver(ctx, n) {
			sent++
		}
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanup(ctx)
		w.lastCleanup = time.Now()
	}
	return sent
}

func (w *Worker) deliver(ctx context.Context, n model.Notification) bool {
	sender, ok := w.senders[n.ChannelType]
	var err error
	if !ok {
		err = fmt.Errorf("no sender for channel type %q", n.ChannelType)
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		err = sender.Send(sendCtx, n)
		if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s sender: %v", model.ErrDependencyTimeout, n.ChannelType, err)
		}
		cancel()
	}

	result := "sent"
	if err == nil {
		if merr := w.db.MarkNotificationSent(ctx, n.ID); merr != nil {
			w.logger.Error("notifications: mark sent", "notification_id", n.ID, "error", merr)
		}
	} else {
		maxAttempts := w.cfg.MaxAttempts
		if !ok {
			maxAttempts = n.Attempts
		}
		status, rerr := w.db.RetryNotification(ctx, n.ID, err.Error(), maxAttempts)
		switch {
		case rerr != nil:
			w.logger.Error("notifications: record failure", "notification_id", n.ID, "error", rerr)
		case status == model.NotificationFailed:
			result = "failed"
			w.logger.Error("notifications: delivery failed permanently",
				"notification_id", n.ID, "channel", n.ChannelType, "attempts", n.Attempts, "error", err)
		default:
			result = "retry"
			w.logger.Warn("notifications: delivery failed, will retry",
				"notification_id", n.ID, "channel", n.ChannelType, "attempts", n.Attempts, "error", err)
		}
	}
	w.delivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", n.ChannelType),
		attribute.String("result", result),
	))
	return err == nil
}

func (w *Worker) cleanup(ctx context.Context) {
	n, err := w.db.DeleteSentNotificationsBefore(ctx, time.Now().Add(-w.cfg.SentRetention))
	if err != nil {
		w.logger.Error("notifications: cleanup sent entries", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("notifications: cleaned sent entries", "deleted", n)
	}
}

// registerMetrics registers the queue depth gauge.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("mitoshi/notifications")
	_, _ = meter.Int64ObservableGauge("mitoshi.notifications.queue_depth",
		metric.WithDescription("Notifications pending or being sent"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := w.db.NotificationQueueDepth(ctx)
			if err != nil {
				return nil
			}
			o.Observe(depth)
			return nil
		}),
	)
}
