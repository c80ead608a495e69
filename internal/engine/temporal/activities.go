// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/noldarim/shipyard/internal/pipeline"
)

// RunDriver is the part of the orchestrator activities call into.
type RunDriver interface {
	Advance(ctx context.Context, runID string) (bool, error)
	Cancel(ctx context.Context, runID string) error
	Get(ctx context.Context, runID string) (pipeline.Run, error)
}

// Activities exposes a RunDriver to the Temporal worker.
type Activities struct {
	driver RunDriver
}

func NewActivities(driver RunDriver) *Activities {
	return &Activities{driver: driver}
}

// AdvanceRunActivity executes the next stage of a run. Stage failures are
// part of the run's state; an error here means the run could not be advanced.
func (a *Activities) AdvanceRunActivity(ctx context.Context, runID string) (*AdvanceRunResult, error) {
	stop := startHeartbeat(ctx, runID)
	defer stop()

	done, err := a.driver.Advance(ctx, runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) || errors.Is(err, pipeline.ErrRunBusy) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), "RunNotAdvanceable", err)
		}
		return nil, err
	}

	run, err := a.driver.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &AdvanceRunResult{Done: done, Status: run.Status.String()}, nil
}

// CancelRunActivity cancels a run whose workflow was cancelled.
func (a *Activities) CancelRunActivity(ctx context.Context, runID string) error {
	err := a.driver.Cancel(ctx, runID)
	if errors.Is(err, pipeline.ErrRunTerminal) || errors.Is(err, pipeline.ErrRunNotFound) {
		return nil
	}
	return err
}

// startHeartbeat records heartbeats while a stage runs so that Temporal can
// deliver workflow cancellation to the activity.
func startHeartbeat(ctx context.Context, runID string) func() {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	timeout := activity.GetInfo(ctx).HeartbeatTimeout
	if timeout <= 0 {
		return func() {}
	}
	interval := timeout / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, runID)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stop) }
}
