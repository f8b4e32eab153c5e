package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mitoshi/internal/alerts"
	"github.com/ashita-ai/mitoshi/internal/auth"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/service/actions"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

// RunStarter launches a refresh run in the background.
type RunStarter interface {
	Start(ctx context.Context, asOf time.Time, trigger string) (uuid.UUID, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	keys                *auth.KeyRing
	actions             *actions.Service
	alerts              *alerts.Aggregator
	runs                RunStarter
	runCtx              context.Context
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	now                 func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Runs may be nil, which disables POST /v1/runs. RunContext bounds runs
// started through the API and defaults to context.Background.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Keys                *auth.KeyRing
	Actions             *actions.Service
	Alerts              *alerts.Aggregator
	Runs                RunStarter
	RunContext          context.Context
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	runCtx := d.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		keys:                d.Keys,
		actions:             d.Actions,
		alerts:              d.Alerts,
		runs:                d.Runs,
		runCtx:              runCtx,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		now:                 time.Now,
	}
}

// HandleAuthToken handles POST /auth/token. A configured API key is
// exchanged for a token carrying that key's role.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	role, ok := h.keys.Lookup(req.APIKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	subject := req.Subject
	if subject == "" {
		subject = string(role)
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(subject, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("auth: token issued", "subject", subject, "role", role, "expires_at", expiresAt)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health. An unreachable store reports 503.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Postgres = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	v := r.PathValue(name)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

// queryString returns a pointer to a non-empty query value.
func queryString(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

// queryEnum parses an optional enum query value, rejecting unknown values.
func queryEnum[T ~string](r *http.Request, key string, valid func(T) bool) (*T, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t := T(v)
	if !valid(t) {
		return nil, fmt.Errorf("invalid %s: %q", key, v)
	}
	return &t, nil
}

// subject returns the caller's subject claim.
func subject(r *http.Request) string {
	if c := ClaimsFromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}
