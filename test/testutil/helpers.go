// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

// KeyPress is a printable key as the terminal delivers it.
func KeyPress(key string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
}

// CtrlC is the interrupt key; the CLI also forwards SIGINT as this message.
func CtrlC() tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyCtrlC}
}

// Feed sends msgs to model in order and returns the final model with the
// command produced by the last message.
func Feed(model tea.Model, msgs ...tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	for _, msg := range msgs {
		model, cmd = model.Update(msg)
	}
	return model, cmd
}

// ExecuteCommand runs cmd and returns its message, or nil for a nil cmd.
func ExecuteCommand(cmd tea.Cmd) tea.Msg {
	if cmd == nil {
		return nil
	}
	return cmd()
}

// AssertViewContains checks the rendered view for every fragment.
func AssertViewContains(t *testing.T, model tea.Model, fragments ...string) {
	t.Helper()
	view := model.View()
	for _, f := range fragments {
		assert.Contains(t, view, f)
	}
}
