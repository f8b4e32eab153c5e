package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/model"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("backend down")
}
func (failingLimiter) Close() error { return nil }

func serve(t *testing.T, l Limiter, key KeyFunc) func() *httptest.ResponseRecorder {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware(l, key, func(*http.Request) string { return "req-1" }, slog.New(slog.NewTextHandler(io.Discard, nil)))(ok)
	return func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/insights", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		h.ServeHTTP(rec, req)
		return rec
	}
}

func TestMiddleware_DeniesWithEnvelope(t *testing.T) {
	m, _ := newLimiter(t, 0.5, 1)
	do := serve(t, m, IPKeyFunc)

	rec := do()
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestMiddleware_FailsOpen(t *testing.T) {
	do := serve(t, failingLimiter{}, IPKeyFunc)
	for range 3 {
		assert.Equal(t, http.StatusNoContent, do().Code)
	}
}

func TestMiddleware_EmptyKeySkips(t *testing.T) {
	m, _ := newLimiter(t, 0.001, 1)
	do := serve(t, m, func(*http.Request) string { return "" })
	for range 3 {
		assert.Equal(t, http.StatusNoContent, do().Code)
	}
	assert.Zero(t, m.Len())
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, "198.51.100.7", IPKeyFunc(req))

	req.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", IPKeyFunc(req))
}
