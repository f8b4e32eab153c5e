package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID for the error envelope. It keeps
// this package independent of the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter per key. Denied requests get 429 with
// Retry-After and the standard error envelope. A limiter error lets the
// request through.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqID RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			d, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if d.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				id := ""
				if reqID != nil {
					id = reqID(r)
				}
				writeRateLimitError(w, id)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta:  model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// IPKeyFunc keys by the client IP from RemoteAddr. X-Forwarded-For is not
// trusted: any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
