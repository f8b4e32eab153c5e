// Package testutil provides shared test infrastructure for integration tests
// that need a PostgreSQL container.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/mitoshi/internal/storage"
	"github.com/ashita-ai/mitoshi/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a PostgreSQL container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "mitoshi",
			"POSTGRES_PASSWORD": "mitoshi",
			"POSTGRES_DB":       "mitoshi",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://mitoshi:mitoshi@%s:%s/mitoshi?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}
}

// NewTestDB creates a storage.DB connected to this container, with a
// LISTEN/NOTIFY connection, and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Truncate empties every application table so a test starts clean.
func Truncate(ctx context.Context, db *storage.DB) error {
	_, err := db.Pool().Exec(ctx, `TRUNCATE
		search_daily, engagement_daily, search_query_pages, page_vitals_daily, unified_daily,
		insights, actions,
		agent_findings, agent_diagnoses, agent_recommendations, agent_executions,
		agent_decisions, decision_feedback,
		alert_rules, alert_history, alert_suppressions, notification_queue,
		refresh_runs, idempotency_keys
		CASCADE`)
	if err != nil {
		return fmt.Errorf("testutil: truncate: %w", err)
	}
	return nil
}
