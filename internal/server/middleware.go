// Package server implements the mitoshi HTTP query API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/mitoshi/internal/auth"
	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyClaims    contextKey = "claims"
)

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(contextKeyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// requestIDMiddleware assigns a request ID, reusing a sane client-provided
// X-Request-ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if wrapped.ctx != nil {
			if claims := ClaimsFromContext(wrapped.ctx); claims != nil {
				attrs = append(attrs, "subject", claims.Subject, "role", claims.Role)
			}
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// statusWriter records the status code. ctx is set by authMiddleware so the
// outer logger can see the caller.
type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	ctx         context.Context
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// publicPath reports whether a path is served without a token.
func publicPath(p string) bool {
	return p == "/health" || p == "/auth/token"
}

// authMiddleware validates bearer tokens and populates context with claims.
func authMiddleware(jwtMgr *auth.JWTManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing or malformed bearer token")
			return
		}

		claims, err := jwtMgr.ValidateToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		if sw, ok := w.(*statusWriter); ok {
			sw.ctx = ctx
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that enforces a minimum role.
func requireRole(minRole model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
				return
			}
			if !model.RoleAtLeast(claims.Role, minRole) {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("http: panic in handler",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: responseMeta(r),
	})
}

// writeListJSON writes a paginated list with the list envelope.
func writeListJSON(w http.ResponseWriter, r *http.Request, data any, total, limit, offset int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		HasMore: offset+limit < total,
		Limit:   limit,
		Offset:  offset,
		Meta:    responseMeta(r),
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta:  responseMeta(r),
	})
}

func responseMeta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// writeServiceError maps domain errors to status codes. Anything unmapped
// is logged and reported as a 500 without its message.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, msg+": not found")
	case errors.Is(err, model.ErrStateConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, model.ErrDependencyTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, msg+": dependency timed out")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error("http: "+msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is empty")
)

// decodeJSON decodes a JSON body into target, rejecting unknown fields,
// trailing data and bodies over maxBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errBodyTooLarge
		}
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
}
