// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/protocol"
	"github.com/noldarim/shipyard/internal/telemetry"
	"github.com/noldarim/shipyard/internal/tui/stageprogress"
)

const shutdownTimeout = 15 * time.Second

type runOptions struct {
	branch string
	commit string
	noTUI  bool
	json   bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for a pushed commit and wait for it to finish",
		Long: `Run the pipeline for a pushed commit and wait for it to finish.

Exit status is 0 when the run succeeds, 1 when it fails or is cancelled,
and 2 when the trigger is rejected or the configuration is invalid.`,
		Example: `  shipyard run --branch main --commit 3f2c1a9e
  shipyard run -b main --commit HEAD --no-tui`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.branch, "branch", "b", "", "branch the commit was pushed to")
	f.StringVar(&opts.commit, "commit", "", "commit to build")
	f.BoolVar(&opts.noTUI, "no-tui", false, "print progress lines instead of the live view")
	f.BoolVar(&opts.json, "json", false, "print the finished run as JSON")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("commit")
	return cmd
}

func executeRun(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	out := cmd.OutOrStdout()
	live := !opts.noTUI && !opts.json && root.isTerminal(out)

	cfg, closeLog, err := root.setup(live)
	if err != nil {
		return err
	}
	defer closeLog()

	def, err := root.definition(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	app, err := root.newApp(ctx, cfg, def)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := app.Close(shutdownCtx); err != nil {
			l := logger.GetLogger("cli")
			l.Warn().Err(err).Msg("Shutdown did not complete cleanly")
		}
	}()

	handle, err := app.Orchestrator.Submit(ctx, pipeline.TriggerEvent{Branch: opts.branch, Commit: opts.commit})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidEvent) {
			return usageError(err)
		}
		return failure(fmt.Errorf("failed to start run: %w", err))
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var final pipeline.Run
	if live {
		final, err = followLive(ctx, app, handle.ID, out, sigCh)
	} else {
		if !opts.json {
			fmt.Fprintf(out, "run %s  %s  %s @ %s\n", handle.ID, def.Name, opts.branch, stageprogress.ShortCommit(opts.commit))
		}
		final, err = followPlain(ctx, app, handle.ID, out, !opts.json, sigCh)
	}
	if err != nil {
		return failure(err)
	}
	if err := telemetry.ForceFlush(ctx); err != nil {
		l := logger.GetLogger("cli")
		l.Debug().Err(err).Msg("Failed to flush spans")
	}

	if opts.json {
		if err := writeJSON(out, final); err != nil {
			return failure(err)
		}
	} else {
		fmt.Fprintln(out)
		fmt.Fprintln(out, stageprogress.Render(final))
	}

	if final.Status != pipeline.RunStatusSucceeded {
		return silentExit(ExitFailure)
	}
	return nil
}

type waitResult struct {
	run pipeline.Run
	err error
}

// followPlain prints one line per stage transition until the run ends. The
// first interrupt cancels the run; a second one stops waiting.
func followPlain(ctx context.Context, app *App, runID string, out io.Writer, verbose bool, sigCh <-chan os.Signal) (pipeline.Run, error) {
	orch := app.Orchestrator
	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	done := make(chan waitResult, 1)
	go func() {
		run, err := orch.Wait(waitCtx, runID)
		done <- waitResult{run: run, err: err}
	}()

	printEvent := func(ev protocol.Event) {
		if line := describeEvent(ev, runID); verbose && line != "" {
			fmt.Fprintln(out, line)
		}
	}

	cancelling := false
	for {
		select {
		case ev := <-app.Events:
			printEvent(ev)

		case <-sigCh:
			if cancelling {
				return pipeline.Run{}, fmt.Errorf("stopped waiting for run %s", runID)
			}
			cancelling = true
			fmt.Fprintln(out, "cancelling run; interrupt again to stop waiting")
			requestCancel(ctx, orch, runID)

		case res := <-done:
			if res.err == nil {
				drainUntilTerminal(app.Events, runID, printEvent)
			}
			return res.run, res.err
		}
	}
}

// drainUntilTerminal prints buffered events until the run's closing event.
// The run is marked done before its last events are published, so they may
// still be in flight.
func drainUntilTerminal(events <-chan protocol.Event, runID string, emit func(protocol.Event)) {
	timeout := time.NewTimer(time.Second)
	defer timeout.Stop()
	for {
		select {
		case ev := <-events:
			emit(ev)
			if e, ok := ev.(protocol.RunLifecycleEvent); ok && e.RunID == runID && e.Type.IsTerminal() {
				return
			}
		case <-timeout.C:
			return
		}
	}
}

// followLive shows the bubbletea run view until the run ends or the user
// detaches.
func followLive(ctx context.Context, app *App, runID string, out io.Writer, sigCh <-chan os.Signal) (pipeline.Run, error) {
	orch := app.Orchestrator
	initial, err := orch.Get(ctx, runID)
	if err != nil {
		return pipeline.Run{}, err
	}

	view := stageprogress.NewRunView(initial, func(ctx context.Context) (pipeline.Run, error) {
		return orch.Get(ctx, runID)
	}).SetCancelFunc(func() {
		requestCancel(ctx, orch, runID)
	})

	prog := tea.NewProgram(view, tea.WithOutput(out), tea.WithContext(ctx))

	// The view reads ctrl+c from the keyboard; signals from elsewhere take
	// the same path.
	go func() {
		for {
			select {
			case <-sigCh:
				prog.Send(tea.KeyMsg{Type: tea.KeyCtrlC})
			case <-ctx.Done():
				return
			}
		}
	}()

	model, err := prog.Run()
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("run view: %w", err)
	}
	if v, ok := model.(stageprogress.RunView); ok && v.Detached() {
		return v.Run(), fmt.Errorf("stopped following run %s", runID)
	}
	return orch.Get(ctx, runID)
}

func requestCancel(ctx context.Context, orch *pipeline.Orchestrator, runID string) {
	if err := orch.Cancel(ctx, runID); err != nil && !errors.Is(err, pipeline.ErrRunTerminal) {
		l := logger.GetLogger("cli")
		l.Warn().Err(err).Str("run_id", runID).Msg("Failed to cancel run")
	}
}

// describeEvent renders a lifecycle event of runID as one line, or "" for
// events not worth printing.
func describeEvent(ev protocol.Event, runID string) string {
	e, ok := ev.(protocol.RunLifecycleEvent)
	if !ok || e.RunID != runID {
		return ""
	}
	switch e.Type {
	case protocol.RunStageStarted:
		return fmt.Sprintf("  ● %s", e.StageName)
	case protocol.RunStageSucceeded:
		if e.Artifact != "" {
			return fmt.Sprintf("  ✓ %s  %s", e.StageName, e.Artifact)
		}
		return fmt.Sprintf("  ✓ %s", e.StageName)
	case protocol.RunStageFailed:
		line := fmt.Sprintf("  ✗ %s  %s", e.StageName, e.ErrorKind)
		if e.ExitCode != 0 {
			line += fmt.Sprintf(" (exit %d)", e.ExitCode)
		}
		if e.Error != "" {
			line += ": " + e.Error
		}
		return line
	case protocol.RunStageSkipped:
		return fmt.Sprintf("  - %s skipped", e.StageName)
	case protocol.RunSucceeded, protocol.RunFailed, protocol.RunCancelled:
		return fmt.Sprintf("run %s", e.Type)
	default:
		return ""
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
