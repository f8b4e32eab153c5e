package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIdempotencyPayloadMismatch is returned when an idempotency key is
	// reused with a different request body for the same subject and endpoint.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress indicates a matching key is still being processed.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyKey identifies one reserved request.
type IdempotencyKey struct {
	Subject  string
	Endpoint string
	Key      string
}

// IdempotencyLookup describes the current state of an idempotency key lookup.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves k for processing.
//
// A lookup with Completed=true means the request already ran and the
// stored response should be replayed. ErrIdempotencyInProgress means
// another request holds the key. In-progress keys are never taken over;
// CleanupIdempotencyKeys removes abandoned ones.
func (db *DB) BeginIdempotency(ctx context.Context, k IdempotencyKey, requestHash string) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (subject, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		k.Subject, k.Endpoint, k.Key, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil
	}

	var (
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE subject = $1 AND endpoint = $2 AND idempotency_key = $3`,
		k.Subject, k.Endpoint, k.Key,
	).Scan(&storedHash, &status, &statusCode, &responseData); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != requestHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	code := 0
	if statusCode != nil {
		code = *statusCode
	}
	return IdempotencyLookup{Completed: true, StatusCode: code, ResponseData: responseData}, nil
}

// CompleteIdempotency stores the response for a reserved key.
func (db *DB) CompleteIdempotency(ctx context.Context, k IdempotencyKey, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = $4, response_data = $5::jsonb, updated_at = now()
		 WHERE subject = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = 'in_progress'`,
		k.Subject, k.Endpoint, k.Key, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency drops a reservation so the client can retry
// after a failed request.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, k IdempotencyKey) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE subject = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = 'in_progress'`,
		k.Subject, k.Endpoint, k.Key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes completed keys older than completedTTL and
// abandoned in-progress keys older than inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
