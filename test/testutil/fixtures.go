// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"time"

	"github.com/noldarim/shipyard/internal/pipeline"
)

// Sample data creators for consistent testing

// ThreeStageDefinition is checkout, install and test, triggered by main.
func ThreeStageDefinition(name string) *pipeline.Definition {
	return &pipeline.Definition{
		Name:    name,
		Trigger: pipeline.TriggerFilter{Branch: "main"},
		Stages: []pipeline.StageSpec{
			{Name: "checkout", Kind: pipeline.KindCheckoutStage},
			{Name: "install", Kind: pipeline.KindInstallStage, Command: []string{"npm", "ci"}},
			{Name: "test", Kind: pipeline.KindTestStage, Command: []string{"npm", "test"}},
		},
	}
}

// At returns 2026-01-01 12:00:00 UTC plus sec seconds.
func At(sec int) *time.Time {
	t := time.Date(2026, 1, 1, 12, 0, sec, 0, time.UTC)
	return &t
}

// FailedRun is a run whose install stage failed after checkout succeeded.
func FailedRun() pipeline.Run {
	return pipeline.Run{
		ID:        "run-1",
		Pipeline:  "default",
		Event:     pipeline.TriggerEvent{Branch: "main", Commit: "0123456789abcdef0123"},
		Status:    pipeline.RunStatusFailed,
		Error:     "install: dependency install failed",
		CreatedAt: *At(0),
		StartedAt: At(0),
		EndedAt:   At(9),
		Stages: []pipeline.StageResult{
			{Name: "checkout", Status: pipeline.StageStatusSucceeded, StartedAt: At(0), EndedAt: At(2)},
			{Name: "install", Status: pipeline.StageStatusFailed, ExitCode: 1, ErrorKind: pipeline.KindInstall,
				Log: []string{"npm ERR! missing lockfile"}, StartedAt: At(2), EndedAt: At(9)},
			{Name: "test", Status: pipeline.StageStatusSkipped},
		},
	}
}

// RunningRun is FailedRun caught while install was still running.
func RunningRun() pipeline.Run {
	run := FailedRun()
	run.Status = pipeline.RunStatusRunning
	run.Error = ""
	run.EndedAt = nil
	run.Stages[1] = pipeline.StageResult{Name: "install", Status: pipeline.StageStatusRunning, StartedAt: At(2),
		Log: []string{"npm WARN deprecated"}}
	run.Stages[2].Status = pipeline.StageStatusPending
	return run
}
