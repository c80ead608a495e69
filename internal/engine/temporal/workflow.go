// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	RunPipelineWorkflowName = "RunPipelineWorkflow"
	AdvanceRunActivityName  = "AdvanceRunActivity"
	CancelRunActivityName   = "CancelRunActivity"
)

// RunPipelineInput carries the run id and activity budgets. Run data and
// secrets stay out of workflow history; activities load them by id.
type RunPipelineInput struct {
	RunID            string        `json:"run_id"`
	AdvanceTimeout   time.Duration `json:"advance_timeout"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
}

// RunPipelineOutput is the run's final status.
type RunPipelineOutput struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Advances int    `json:"advances"`
}

// AdvanceRunResult is what one AdvanceRunActivity reports.
type AdvanceRunResult struct {
	Done   bool   `json:"done"`
	Status string `json:"status"`
}

// RunPipelineWorkflow advances a run one stage per activity until it is
// terminal. Activities are never retried: a stage that failed is a recorded
// outcome, and one whose worker died is failed on resume.
func RunPipelineWorkflow(ctx workflow.Context, input RunPipelineInput) (*RunPipelineOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting RunPipelineWorkflow", "runID", input.RunID)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: input.AdvanceTimeout,
		HeartbeatTimeout:    input.HeartbeatTimeout,
		WaitForCancellation: true,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	if ao.StartToCloseTimeout <= 0 {
		ao.StartToCloseTimeout = time.Hour
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	output := &RunPipelineOutput{RunID: input.RunID}
	for {
		var res AdvanceRunResult
		err := workflow.ExecuteActivity(actx, AdvanceRunActivityName, input.RunID).Get(ctx, &res)
		if err != nil {
			if temporal.IsCanceledError(err) || ctx.Err() != nil {
				return output, cancelRun(ctx, input.RunID)
			}
			logger.Error("Advance failed", "runID", input.RunID, "error", err)
			return output, err
		}
		output.Advances++
		output.Status = res.Status
		if res.Done {
			logger.Info("Run finished", "runID", input.RunID, "status", res.Status, "advances", output.Advances)
			return output, nil
		}
		if ctx.Err() != nil {
			return output, cancelRun(ctx, input.RunID)
		}
	}
}

// cancelRun marks the run cancelled on a disconnected context, since ctx is
// already cancelled.
func cancelRun(ctx workflow.Context, runID string) error {
	workflow.GetLogger(ctx).Info("Run cancelled", "runID", runID)

	cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
	cleanupCtx = workflow.WithActivityOptions(cleanupCtx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	})
	if err := workflow.ExecuteActivity(cleanupCtx, CancelRunActivityName, runID).Get(cleanupCtx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Cancel activity failed", "runID", runID, "error", err)
	}
	return temporal.NewCanceledError("run cancelled")
}
