// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package elapsedtimer

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TickMsg is sent every second to update the timer
type TickMsg time.Time

// Model shows how long a run has been going.
type Model struct {
	startTime time.Time
	elapsed   time.Duration
	running   bool
	now       func() time.Time
	style     lipgloss.Style
}

func New() Model {
	return Model{
		now:   time.Now,
		style: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// StartFrom begins the timer from t.
func (m Model) StartFrom(t time.Time) Model {
	m.startTime = t
	m.running = true
	m.elapsed = m.now().Sub(t)
	return m
}

// StopAt freezes the timer at end.
func (m Model) StopAt(end time.Time) Model {
	if !m.startTime.IsZero() {
		m.elapsed = end.Sub(m.startTime)
	}
	m.running = false
	return m
}

// SetElapsed sets a specific elapsed duration (for display without ticking)
func (m Model) SetElapsed(d time.Duration) Model {
	m.elapsed = d
	m.running = false
	return m
}

// Running reports whether the timer is ticking.
func (m Model) Running() bool {
	return m.running
}

func (m Model) Init() tea.Cmd {
	if m.running {
		return tick()
	}
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg.(type) {
	case TickMsg:
		if m.running {
			m.elapsed = m.now().Sub(m.startTime)
			return m, tick()
		}
	}
	return m, nil
}

// View renders: "⏱ 2m 34s"
func (m Model) View() string {
	dim := m.style.Foreground(lipgloss.Color("239"))
	accent := m.style.Foreground(lipgloss.Color("75"))

	return dim.Render("⏱") + " " + accent.Render(FormatDuration(m.Elapsed()))
}

// Elapsed returns the current elapsed duration
func (m Model) Elapsed() time.Duration {
	if m.running {
		return m.now().Sub(m.startTime)
	}
	return m.elapsed
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// FormatDuration renders d as "250ms", "5s", "2m 3s" or "1h 0m 1s".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
