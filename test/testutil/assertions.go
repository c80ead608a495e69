// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"

	"github.com/noldarim/shipyard/internal/pipeline"
)

// AssertStageStatuses checks the status of every stage, in order.
func AssertStageStatuses(t *testing.T, run pipeline.Run, want ...pipeline.StageStatus) {
	t.Helper()
	got := lo.Map(run.Stages, func(s pipeline.StageResult, _ int) pipeline.StageStatus { return s.Status })
	assert.Equal(t, want, got, "stage statuses of run %s", run.ID)
}

// AssertQuitMessage verifies that a quit message was generated
func AssertQuitMessage(t *testing.T, cmd tea.Cmd) {
	t.Helper()
	assert.NotNil(t, cmd, "Expected a command to be generated")
	msg := ExecuteCommand(cmd)
	assert.IsType(t, tea.QuitMsg{}, msg, "Expected quit message")
}

// AssertNoCommand verifies that no command was generated
func AssertNoCommand(t *testing.T, cmd tea.Cmd) {
	t.Helper()
	assert.Nil(t, cmd, "Expected no command to be generated")
}
