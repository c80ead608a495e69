// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/engine/temporal"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/store"
	"github.com/noldarim/shipyard/internal/tui/stageprogress"
)

// workflowStatus reports the state of the Temporal workflow driving runID.
// An unreachable server reads as unknown.
func workflowStatus(ctx context.Context, cfg *config.AppConfig, runID string) temporal.WorkflowStatus {
	l := logger.GetLogger("cli")
	tc, err := temporal.Dial(cfg.Temporal)
	if err != nil {
		l.Debug().Err(err).Msg("Temporal unavailable")
		return temporal.WorkflowStatusUnknown
	}
	defer tc.Close()

	status, err := tc.RunWorkflowStatus(ctx, runID)
	if err != nil {
		l.Debug().Err(err).Str("run_id", runID).Msg("Failed to describe workflow")
		return temporal.WorkflowStatusUnknown
	}
	return status
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func newStatusCommand(root *rootOptions) *cobra.Command {
	var (
		runID  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a run and the outcome of each stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := root.setup(false)
			if err != nil {
				return err
			}
			defer closeLog()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), runID)
			if err != nil {
				if errors.Is(err, pipeline.ErrRunNotFound) {
					return usageErrorf("run %s not found", runID)
				}
				return failure(err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, run)
			}
			fmt.Fprintln(out, stageprogress.Render(*run))
			if cfg.Pipeline.Engine == "temporal" {
				fmt.Fprintf(out, "workflow: %s\n", workflowStatus(cmd.Context(), cfg, runID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run as JSON")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newRunsCommand(root *rootOptions) *cobra.Command {
	var (
		limit  int
		branch string
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.RunFilter{Branch: branch, Limit: limit}
			if status != "" {
				s, err := pipeline.ParseRunStatus(status)
				if err != nil {
					return usageError(err)
				}
				filter.Status = &s
			}

			cfg, closeLog, err := root.setup(false)
			if err != nil {
				return err
			}
			defer closeLog()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRunsFiltered(cmd.Context(), filter)
			if err != nil {
				return failure(err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs.")
				return nil
			}
			fmt.Fprintln(out, runsTable(runs))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&limit, "limit", "n", store.DefaultListLimit, "maximum number of runs")
	f.StringVar(&branch, "branch", "", "only runs for this branch")
	f.StringVar(&status, "status", "", "only runs with this status (pending, running, succeeded, failed, cancelled)")
	f.BoolVar(&asJSON, "json", false, "print the runs as JSON")
	return cmd
}

func runsTable(runs []*pipeline.Run) string {
	rows := lo.Map(runs, func(r *pipeline.Run, _ int) []string {
		artifact := ""
		if r.Artifact != nil && !r.Artifact.IsZero() {
			artifact = r.Artifact.String()
		}
		failed := ""
		if s, ok := r.FailedStage(); ok {
			failed = s.Name
		}
		return []string{
			r.ID,
			r.Event.Branch,
			stageprogress.ShortCommit(r.Event.Commit),
			r.Status.String(),
			failed,
			artifact,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		}
	})

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "BRANCH", "COMMIT", "STATUS", "FAILED STAGE", "ARTIFACT", "CREATED").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		String()
}
