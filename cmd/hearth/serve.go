package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/hearth/internal/app"
	"github.com/MrWong99/hearth/internal/observe"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the socket server until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path := configPath(cmd)
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	level := newLogger(cfg.Server.LogLevel)
	slog.Info("hearth starting", "config", path, "version", cmd.Root().Version, "log_level", cfg.Server.LogLevel)

	// ── Signal context ───────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: cmd.Root().Version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithConfigPath(path),
		app.WithLogLevel(level),
		app.WithTelemetry(tel),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	} else {
		runErr = nil
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	errs := []error{runErr}
	if err := application.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}
