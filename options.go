package mitoshi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	detectorConfig  string
	logger          *slog.Logger
	version         string
	reasoner        Reasoner
	senders         map[string]NotificationSender
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (MITOSHI_PORT).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string (DATABASE_URL).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL). Set it when queries go through a pooler such as PgBouncer.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithDetectorConfig overrides the YAML thresholds file
// (MITOSHI_DETECTOR_CONFIG).
func WithDetectorConfig(path string) Option {
	return func(o *resolvedOptions) { o.detectorConfig = path }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by /health and in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithReasoner replaces the configured LLM provider. Only the last call wins.
func WithReasoner(r Reasoner) Option {
	return func(o *resolvedOptions) { o.reasoner = r }
}

// WithSender registers a NotificationSender for alert rule channels of
// channelType. It replaces the built-in "log" and "webhook" senders when
// channelType matches.
func WithSender(channelType string, s NotificationSender) Option {
	return func(o *resolvedOptions) {
		if o.senders == nil {
			o.senders = make(map[string]NotificationSender)
		}
		o.senders[channelType] = s
	}
}

// WithMiddleware registers an outermost HTTP middleware.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// embedded migrations, in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
