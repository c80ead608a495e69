// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/server"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var (
		host     string
		port     int
		noResume bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the websocket event stream and the status page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := root.setup(false)
			if err != nil {
				return err
			}
			defer closeLog()

			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				if port <= 0 || port > 65535 {
					return usageErrorf("invalid port: %d", port)
				}
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), root, cfg, !noResume)
		},
	}
	f := cmd.Flags()
	f.StringVar(&host, "host", "", "listen address (overrides server.host)")
	f.IntVar(&port, "port", 0, "listen port (overrides server.port)")
	f.BoolVar(&noResume, "no-resume", false, "do not resume runs left unfinished by a previous process")
	return cmd
}

func serve(ctx context.Context, root *rootOptions, cfg *config.AppConfig, resume bool) error {
	mainLog := logger.GetLogger("main")
	mainLog.Info().Str("version", Version).Str("engine", cfg.Pipeline.Engine).Msg("Starting shipyard API server")

	def, err := root.definition(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := root.newApp(ctx, cfg, def)
	if err != nil {
		return err
	}

	if resume {
		resumeUnfinished(ctx, app)
	}

	srv := server.New(&cfg.Server, app.Events, app.Orchestrator)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
			serveErr = failure(fmt.Errorf("server: %w", err))
		}
	case <-ctx.Done():
	}

	// Fresh context: the serving context may already be cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	mainLog.Info().Msg("Stopping runs...")
	cancel()
	if err := app.Close(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error closing runtime")
	}

	mainLog.Info().Msg("API server shut down")
	return serveErr
}

// resumeUnfinished hands runs a previous process left pending or running
// back to the dispatcher.
func resumeUnfinished(ctx context.Context, app *App) {
	l := logger.GetLogger("main")
	runs, err := app.Store.ListUnfinishedRuns(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Failed to list unfinished runs")
		return
	}
	for _, r := range runs {
		snap, err := app.Orchestrator.Resume(ctx, r.ID)
		if err != nil {
			// Under Temporal a run whose workflow is still open is rejected
			// here and keeps being driven by that workflow.
			l.Warn().Err(err).Str("run_id", r.ID).Msg("Could not resume run")
			continue
		}
		l.Info().Str("run_id", r.ID).Str("status", snap.Status.String()).Msg("Resumed run")
	}
}

func newWorkerCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker that executes pipeline runs",
		Long: `Run a Temporal worker that executes pipeline runs.

Requires pipeline.engine: temporal. The worker polls the configured task
queue and executes stages with the local workspace, container runtime and
registry credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := root.setup(false)
			if err != nil {
				return err
			}
			defer closeLog()

			if cfg.Pipeline.Engine != "temporal" {
				return usageErrorf("worker needs pipeline.engine: temporal, got %q", cfg.Pipeline.Engine)
			}
			def, err := root.definition(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := root.newApp(ctx, cfg, def)
			if err != nil {
				return err
			}

			mainLog := logger.GetLogger("main")
			mainLog.Info().
				Str("task_queue", cfg.Temporal.TaskQueue).
				Str("namespace", cfg.Temporal.Namespace).
				Msg("Worker started")

			<-ctx.Done()
			mainLog.Info().Msg("Shutting down worker...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.Close(shutdownCtx); err != nil {
				mainLog.Error().Err(err).Msg("Error closing worker")
			}
			return nil
		},
	}
}
