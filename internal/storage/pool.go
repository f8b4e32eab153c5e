// Package storage is the PostgreSQL persistence layer for mitoshi.
//
// It manages a pgxpool connection pool for queries, an optional dedicated
// connection for LISTEN/NOTIFY, COPY-based batch writes for the daily feeds
// and the unified view, and repository methods for insights, actions,
// pipeline records, alerts and refresh runs.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for normal queries and an optional pgx.Conn for
// LISTEN/NOTIFY, which needs a session-level connection.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New connects to Postgres. notifyDSN may be empty, in which case Listen
// and WaitForNotification return errors and callers fall back to polling.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "mitoshi"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotify reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotify() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
