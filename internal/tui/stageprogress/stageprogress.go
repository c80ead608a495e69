// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stageprogress renders a run's stages for the terminal.
package stageprogress

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/tui/elapsedtimer"
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	logStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).PaddingLeft(4)
)

// Model shows a progress bar and one line per stage.
type Model struct {
	stages   []pipeline.StageResult
	width    int
	logLines int
	now      func() time.Time
}

func New() Model {
	return Model{width: 20, now: time.Now}
}

func (m Model) SetStages(stages []pipeline.StageResult) Model {
	m.stages = stages
	return m
}

// SetWidth sets the progress bar width.
func (m Model) SetWidth(w int) Model {
	m.width = w
	return m
}

// SetLogLines shows the last n log lines of a running or failed stage.
func (m Model) SetLogLines(n int) Model {
	m.logLines = n
	return m
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	return m, nil
}

// View renders:
//
//	[▓▓▓▓▓░░░░░] 2/4 install
//	  ✓ checkout   1s
//	  ● install    12s
//	  · test
func (m Model) View() string {
	if len(m.stages) == 0 {
		return ""
	}
	lines := []string{m.bar()}
	for _, s := range m.stages {
		lines = append(lines, m.stageLine(s))
		if m.logLines > 0 && (s.Status == pipeline.StageStatusRunning || s.Status == pipeline.StageStatusFailed) {
			for _, l := range tail(s.Log, m.logLines) {
				lines = append(lines, logStyle.Render(l))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (m Model) bar() string {
	total := len(m.stages)
	done := 0
	current := -1
	for i, s := range m.stages {
		switch s.Status {
		case pipeline.StageStatusSucceeded, pipeline.StageStatusFailed, pipeline.StageStatusSkipped:
			done++
		case pipeline.StageStatusRunning:
			current = i
		}
	}

	filled := (done * m.width) / total
	if current >= 0 {
		filled = (done*m.width + m.width/2) / total
	}
	var b strings.Builder
	for i := 0; i < m.width; i++ {
		if i < filled {
			b.WriteString(successStyle.Render("▓"))
		} else {
			b.WriteString(dimStyle.Render("░"))
		}
	}

	step := done
	label := ""
	switch {
	case current >= 0:
		step = current + 1
		label = accentStyle.Render(m.stages[current].Name)
	case done == total:
		label = successStyle.Render("done")
	}
	return fmt.Sprintf("[%s] %s %s", b.String(), dimStyle.Render(fmt.Sprintf("%d/%d", step, total)), label)
}

func (m Model) stageLine(s pipeline.StageResult) string {
	icon, style := statusIcon(s.Status)
	name := fmt.Sprintf("%-12s", s.Name)
	line := fmt.Sprintf("  %s %s", style.Render(icon), valueStyle.Render(name))

	if d := m.elapsed(s); d > 0 {
		line += " " + labelStyle.Render(FormatDuration(d))
	}
	if s.Status == pipeline.StageStatusFailed {
		detail := string(s.ErrorKind)
		if s.ExitCode != 0 {
			detail += fmt.Sprintf(" (exit %d)", s.ExitCode)
		}
		if s.Error != "" {
			detail += ": " + s.Error
		}
		line += "  " + failStyle.Render(detail)
	}
	if s.Artifact != nil && !s.Artifact.IsZero() {
		line += "  " + accentStyle.Render(s.Artifact.String())
	}
	return line
}

func (m Model) elapsed(s pipeline.StageResult) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.EndedAt != nil {
		return s.Duration()
	}
	return m.now().Sub(*s.StartedAt)
}

func statusIcon(s pipeline.StageStatus) (string, lipgloss.Style) {
	switch s {
	case pipeline.StageStatusRunning:
		return "●", accentStyle
	case pipeline.StageStatusSucceeded:
		return "✓", successStyle
	case pipeline.StageStatusFailed:
		return "✗", failStyle
	case pipeline.StageStatusSkipped:
		return "-", dimStyle
	default:
		return "·", dimStyle
	}
}

func runStatusStyle(s pipeline.RunStatus) lipgloss.Style {
	switch s {
	case pipeline.RunStatusSucceeded:
		return successStyle
	case pipeline.RunStatusFailed:
		return failStyle
	case pipeline.RunStatusCancelled:
		return warnStyle
	default:
		return accentStyle
	}
}

// Render is a static rendering of run, for commands that print and exit.
func Render(run pipeline.Run) string {
	lines := []string{
		labelStyle.Render("Run:      ") + valueStyle.Render(run.ID),
		labelStyle.Render("Pipeline: ") + valueStyle.Render(run.Pipeline),
		labelStyle.Render("Trigger:  ") + valueStyle.Render(fmt.Sprintf("%s @ %s", run.Event.Branch, ShortCommit(run.Event.Commit))),
		labelStyle.Render("Status:   ") + runStatusStyle(run.Status).Render(run.Status.String()),
	}
	if run.StartedAt != nil {
		end := time.Now()
		if run.EndedAt != nil {
			end = *run.EndedAt
		}
		lines = append(lines, labelStyle.Render("Duration: ")+valueStyle.Render(FormatDuration(end.Sub(*run.StartedAt))))
	}
	if run.Artifact != nil && !run.Artifact.IsZero() {
		artifact := run.Artifact.String()
		if run.Artifact.Digest != "" {
			artifact += "@" + run.Artifact.Digest
		}
		lines = append(lines, labelStyle.Render("Artifact: ")+accentStyle.Render(artifact))
	}
	if run.Error != "" {
		lines = append(lines, labelStyle.Render("Error:    ")+failStyle.Render(run.Error))
	}
	lines = append(lines, "", New().SetStages(run.Stages).SetLogLines(10).View())
	return strings.Join(lines, "\n")
}

// ShortCommit trims a commit hash to 12 characters.
func ShortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// FormatDuration renders stage and run durations.
func FormatDuration(d time.Duration) string {
	return elapsedtimer.FormatDuration(d)
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
