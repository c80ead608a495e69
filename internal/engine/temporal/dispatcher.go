// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/pipeline"
)

// WorkflowID is the workflow id used for runID. One workflow per run.
func WorkflowID(runID string) string {
	return "shipyard-run-" + runID
}

// Dispatcher starts a RunPipelineWorkflow for every accepted run.
type Dispatcher struct {
	client   *Client
	timeouts Timeouts
}

// Timeouts bound the workflow and its advance activity.
type Timeouts struct {
	// Advance is the StartToClose budget of one AdvanceRunActivity.
	Advance      time.Duration
	Heartbeat    time.Duration
	WorkflowTask time.Duration
	WorkflowRun  time.Duration
}

// TimeoutsFor derives activity budgets from the longest stage timeout.
func TimeoutsFor(cfg config.TemporalConfig, maxStage time.Duration) Timeouts {
	return Timeouts{
		Advance:      maxStage + cfg.ActivityMargin,
		Heartbeat:    cfg.HeartbeatTimeout,
		WorkflowTask: cfg.WorkflowTaskTimeout,
		WorkflowRun:  cfg.WorkflowRunTimeout,
	}
}

var _ pipeline.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(c *Client, timeouts Timeouts) *Dispatcher {
	return &Dispatcher{client: c, timeouts: timeouts}
}

// Dispatch starts the workflow for runID. Starting a run that already has a
// workflow is rejected by Temporal, so a run is never driven twice.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string) error {
	opts := client.StartWorkflowOptions{
		ID:                       WorkflowID(runID),
		TaskQueue:                d.client.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
		WorkflowTaskTimeout:      d.timeouts.WorkflowTask,
		WorkflowRunTimeout:       d.timeouts.WorkflowRun,
	}
	input := RunPipelineInput{
		RunID:            runID,
		AdvanceTimeout:   d.timeouts.Advance,
		HeartbeatTimeout: d.timeouts.Heartbeat,
	}

	we, err := d.client.temporalClient.ExecuteWorkflow(ctx, opts, RunPipelineWorkflowName, input)
	if err != nil {
		return fmt.Errorf("failed to start workflow: %w", err)
	}
	getLog().Info().Str("run_id", runID).Str("workflow_id", we.GetID()).Str("workflow_run_id", we.GetRunID()).Msg("Started run workflow")
	return nil
}

// Cancel requests cancellation of the run's workflow. A workflow that no
// longer exists is not an error.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	err := d.client.temporalClient.CancelWorkflow(ctx, WorkflowID(runID), "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to cancel workflow: %w", err)
	}
	getLog().Info().Str("run_id", runID).Msg("Requested workflow cancellation")
	return nil
}
