// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stages

import (
	"context"

	"github.com/noldarim/shipyard/internal/pipeline"
)

type checkoutExecutor struct {
	workspace Workspace
	keep      bool
}

func (e *checkoutExecutor) Execute(ctx context.Context, sc *pipeline.StageContext) (pipeline.Outcome, error) {
	path, err := e.workspace.Checkout(ctx, sc.RunID, sc.Event.Commit, sc.Log)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.Outcome{}, ctxErr
		}
		return pipeline.Outcome{}, pipeline.Fail(pipeline.KindCheckout, err)
	}
	return pipeline.Outcome{SourcePath: path}, nil
}

func (e *checkoutExecutor) SupportsInterrupt() bool { return true }

// Cleanup removes the run's checkout unless workspaces are kept.
func (e *checkoutExecutor) Cleanup(ctx context.Context, runID string) error {
	if e.keep {
		return nil
	}
	return e.workspace.Remove(ctx, runID)
}
