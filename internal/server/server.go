package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/mitoshi/internal/alerts"
	"github.com/ashita-ai/mitoshi/internal/auth"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/ratelimit"
	"github.com/ashita-ai/mitoshi/internal/service/actions"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

// Server is the mitoshi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Runs, RunContext, Limiter, MCPServer,
// Middlewares.
type ServerConfig struct {
	// Required dependencies.
	DB      *storage.DB
	JWTMgr  *auth.JWTManager
	Keys    *auth.KeyRing
	Actions *actions.Service
	Alerts  *alerts.Aggregator
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Runs       RunStarter
	RunContext context.Context
	Limiter    ratelimit.Limiter
	MCPServer  *mcpserver.MCPServer

	// Middlewares wrap the whole chain, first registered outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Keys:                cfg.Keys,
		Actions:             cfg.Actions,
		Alerts:              cfg.Alerts,
		Runs:                cfg.Runs,
		RunContext:          cfg.RunContext,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	reqIDFunc := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	apiRL := ratelimit.Middleware(limiter, subjectKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(limiter, ipKeyFunc, reqIDFunc, cfg.Logger)

	viewer := func(f http.HandlerFunc) http.Handler { return apiRL(requireRole(model.RoleViewer)(f)) }
	admin := func(f http.HandlerFunc) http.Handler { return apiRL(requireRole(model.RoleAdmin)(f)) }

	mux := http.NewServeMux()

	// Unauthenticated.
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Insights.
	mux.Handle("GET /v1/insights", viewer(h.HandleListInsights))
	mux.Handle("GET /v1/insights/{id}", viewer(h.HandleGetInsight))
	mux.Handle("PATCH /v1/insights/{id}/status", admin(h.HandleUpdateInsightStatus))

	// Actions.
	mux.Handle("GET /v1/actions", viewer(h.HandleListActions))
	mux.Handle("GET /v1/actions/top", viewer(h.HandleTopActions))
	mux.Handle("GET /v1/actions/{id}", viewer(h.HandleGetAction))
	mux.Handle("PATCH /v1/actions/{id}", admin(h.HandleUpdateAction))
	mux.Handle("POST /v1/actions/{id}/outcome", admin(h.HandleRecordOutcome))

	// Alerts.
	mux.Handle("GET /v1/alerts", viewer(h.HandleListAlerts))
	mux.Handle("POST /v1/alerts/{id}/resolve", admin(h.HandleResolveAlert))

	// Agent decisions.
	mux.Handle("GET /v1/decisions/{id}", viewer(h.HandleGetDecision))
	mux.Handle("POST /v1/decisions/{id}/feedback", admin(h.HandleDecisionFeedback))

	// Refresh runs.
	mux.Handle("GET /v1/runs", viewer(h.HandleListRuns))
	mux.Handle("GET /v1/runs/{id}", viewer(h.HandleGetRun))
	mux.Handle("POST /v1/runs", admin(h.HandleTriggerRun))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", apiRL(requireRole(model.RoleViewer)(mcpserver.NewStreamableHTTPServer(cfg.MCPServer))))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = otelhttp.NewHandler(handler, "mitoshi.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// subjectKeyFunc keys API rate limits by token subject. Admins are exempt.
func subjectKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "sub:" + claims.Subject
}

func ipKeyFunc(r *http.Request) string {
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
