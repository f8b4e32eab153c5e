package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashita-ai/mitoshi"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("MITOSHI_LOG_LEVEL")))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := mitoshi.New(
		mitoshi.WithLogger(logger),
		mitoshi.WithVersion(version),
	)
	if err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}
