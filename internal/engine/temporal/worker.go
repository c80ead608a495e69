// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package temporal

import (
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/noldarim/shipyard/internal/config"
)

// Worker polls the run task queue and executes run workflows and their
// activities against a RunDriver.
type Worker struct {
	client     *Client
	activities *Activities
	options    worker.Options

	mu      sync.Mutex
	worker  worker.Worker
	stopped bool
}

func NewWorker(c *Client, driver RunDriver, cfg config.WorkerConfig) *Worker {
	return &Worker{
		client:     c,
		activities: NewActivities(driver),
		options: worker.Options{
			MaxConcurrentActivityExecutionSize:     cfg.MaxConcurrentActivityExecutions,
			MaxConcurrentWorkflowTaskExecutionSize: cfg.MaxConcurrentWorkflows,
		},
	}
}

// Registry is satisfied by worker.Worker and the SDK's test environments.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the run workflow and activities to r.
func Register(r Registry, activities *Activities) {
	r.RegisterWorkflowWithOptions(RunPipelineWorkflow, workflow.RegisterOptions{Name: RunPipelineWorkflowName})
	r.RegisterActivityWithOptions(activities.AdvanceRunActivity, activity.RegisterOptions{Name: AdvanceRunActivityName})
	r.RegisterActivityWithOptions(activities.CancelRunActivity, activity.RegisterOptions{Name: CancelRunActivityName})
}

// Start begins polling. It does not block.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return errors.New("cannot restart a stopped worker - create a new worker instance")
	}
	if w.worker != nil {
		getLog().Info().Msg("Worker already started")
		return nil
	}

	w.worker = worker.New(w.client.temporalClient, w.client.taskQueue, w.options)
	Register(w.worker, w.activities)

	if err := w.worker.Start(); err != nil {
		w.worker = nil
		return fmt.Errorf("failed to start worker: %w", err)
	}
	getLog().Info().Str("task_queue", w.client.taskQueue).Msg("Temporal worker started")
	return nil
}

// Stop stops the worker and waits for in-flight tasks to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.worker == nil {
		return
	}
	getLog().Info().Msg("Stopping Temporal worker gracefully...")
	w.worker.Stop()
	w.worker = nil
	w.stopped = true
	getLog().Info().Msg("Temporal worker stopped")
}
