package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"computeruse/internal/config"
	"computeruse/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := server.InitDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	srv, err := server.NewServer(cfg, deps)
	if err != nil {
		logger.Error("Failed to build server", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
