// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command stageprogress prints the stage progress view for the latest run in
// the configured store, or for a mock run when there is none.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/store"
	"github.com/noldarim/shipyard/internal/tui/stageprogress"
)

func main() {
	run := loadRun()
	fmt.Println(stageprogress.New().SetStages(run.Stages).SetWidth(20).SetLogLines(3).View())
	fmt.Println()
	fmt.Println(stageprogress.Render(run))
}

func loadRun() pipeline.Run {
	cfg, err := config.NewConfig("")
	if err != nil {
		return mockRun()
	}

	st, err := store.Open(&cfg.Database)
	if err != nil {
		return mockRun()
	}
	defer st.Close()

	runs, err := st.ListRuns(context.Background(), 1)
	if err != nil || len(runs) == 0 || len(runs[0].Stages) == 0 {
		return mockRun()
	}
	return *runs[0]
}

func mockRun() pipeline.Run {
	start := time.Now().Add(-95 * time.Second)
	at := func(sec int) *time.Time {
		t := start.Add(time.Duration(sec) * time.Second)
		return &t
	}
	return pipeline.Run{
		ID:        "mock-run",
		Pipeline:  "build-and-push",
		Event:     pipeline.TriggerEvent{Branch: "main", Commit: "8d3f0c1b2a9e7f6d5c4b"},
		Status:    pipeline.RunStatusRunning,
		StartedAt: at(0),
		Stages: []pipeline.StageResult{
			{Name: "checkout", Status: pipeline.StageStatusSucceeded, StartedAt: at(0), EndedAt: at(3)},
			{Name: "install", Status: pipeline.StageStatusSucceeded, StartedAt: at(3), EndedAt: at(41)},
			{Name: "test", Status: pipeline.StageStatusRunning, StartedAt: at(41),
				Log: []string{"PASS src/api.test.js", "PASS src/db.test.js", "RUNS src/ui.test.js"}},
			{Name: "build", Status: pipeline.StageStatusPending},
			{Name: "publish", Status: pipeline.StageStatusPending},
		},
	}
}
