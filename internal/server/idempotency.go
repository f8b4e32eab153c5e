package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

const maxIdempotencyKeyLen = 255

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite reserves the request's Idempotency-Key, if any.
// It returns (nil, true) without a key. When it returns false the response
// has been written: a replay of the stored result or a conflict.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, payload any) (*storage.IdempotencyKey, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "idempotency key too long")
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	k := storage.IdempotencyKey{Subject: subject(r), Endpoint: r.Method + ":" + r.URL.Path, Key: key}
	lookup, err := h.db.BeginIdempotency(r.Context(), k, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			var replay any
			if len(lookup.ResponseData) > 0 {
				if uErr := json.Unmarshal(lookup.ResponseData, &replay); uErr != nil {
					h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", uErr)
					return nil, false
				}
			}
			status := lookup.StatusCode
			if status == 0 {
				status = http.StatusOK
			}
			writeJSON(w, r, status, replay)
			return nil, false
		}
		return &k, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// completeIdempotentWrite stores the response for replay. The mutation has
// already committed, so failures are logged rather than returned to the
// client.
func (h *Handlers) completeIdempotentWrite(r *http.Request, k *storage.IdempotencyKey, statusCode int, data any) {
	if k == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	var lastErr error
retry:
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = h.db.CompleteIdempotency(writeCtx, *k, statusCode, data)
		if lastErr == nil {
			return
		}
		h.logger.Warn("idempotency: finalize attempt failed", "attempt", attempt, "error", lastErr, "endpoint", k.Endpoint)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			lastErr = fmt.Errorf("finalize context expired: %w", lastErr)
			break retry
		}
	}
	h.logger.Error("idempotency: failed to finalize record after committed mutation",
		"error", lastErr,
		"endpoint", k.Endpoint,
		"request_id", RequestIDFromContext(r.Context()),
	)
}

// clearIdempotentWrite releases the reservation after a failed mutation so
// the client can retry with the same key.
func (h *Handlers) clearIdempotentWrite(r *http.Request, k *storage.IdempotencyKey) {
	if k == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(context.WithoutCancel(r.Context()), *k); err != nil {
		h.logger.Error("idempotency: failed to clear record", "error", err, "endpoint", k.Endpoint)
	}
}
