// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stageprogress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/tui/elapsedtimer"
)

// PollInterval is how often the live view refreshes the run.
const PollInterval = 250 * time.Millisecond

// logChrome is the number of lines around the log pane besides the stage rows.
const logChrome = 8

// PollMsg triggers a fetch.
type PollMsg struct{}

// RunMsg carries a fresh snapshot of the run.
type RunMsg struct {
	Run pipeline.Run
}

// FetchErrMsg reports a failed fetch. The view keeps polling.
type FetchErrMsg struct {
	Err error
}

// Fetcher returns the latest state of the run being watched.
type Fetcher func(ctx context.Context) (pipeline.Run, error)

// CancelFunc is called on the first ctrl+c.
type CancelFunc func()

type viewState int

const (
	stateWatching viewState = iota
	stateCancelling
	stateDone
	stateDetached
)

// RunView follows one run until it is terminal. The first ctrl+c requests
// cancellation; a second one detaches without waiting.
type RunView struct {
	progress Model
	timer    elapsedtimer.Model
	spinner  spinner.Model
	// logs scrolls the output of the stage named logStage.
	logs     viewport.Model
	logStage string
	run      pipeline.Run
	fetch    Fetcher
	cancel   CancelFunc
	state    viewState
	lastErr  error
	ctx      context.Context
	stop     context.CancelFunc
}

func NewRunView(initial pipeline.Run, fetch Fetcher) RunView {
	ctx, stop := context.WithCancel(context.Background())
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = accentStyle
	v := RunView{
		progress: New().SetStages(initial.Stages),
		timer:    elapsedtimer.New(),
		spinner:  s,
		logs:     viewport.New(80, 10),
		run:      initial,
		fetch:    fetch,
		ctx:      ctx,
		stop:     stop,
	}
	v.syncTimer()
	v.refreshLogs()
	return v
}

func (v RunView) SetCancelFunc(fn CancelFunc) RunView {
	v.cancel = fn
	return v
}

func (v RunView) Init() tea.Cmd {
	return tea.Batch(pollTick(), v.timer.Init(), v.spinner.Tick)
}

func (v RunView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if v.state == stateWatching && v.cancel != nil {
				v.state = stateCancelling
				v.cancel()
				return v, nil
			}
			v.state = stateDetached
			v.stop()
			return v, tea.Quit
		case "q":
			if v.run.Status.IsTerminal() {
				v.stop()
				return v, tea.Quit
			}
		}
		var cmd tea.Cmd
		v.logs, cmd = v.logs.Update(msg)
		return v, cmd

	case tea.WindowSizeMsg:
		v.logs.Width = msg.Width
		v.logs.Height = max(3, msg.Height-len(v.run.Stages)-logChrome)
		v.refreshLogs()

	case spinner.TickMsg:
		if v.state == stateDone || v.state == stateDetached {
			return v, nil
		}
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(msg)
		return v, cmd

	case PollMsg:
		if v.state == stateDone || v.state == stateDetached {
			return v, nil
		}
		return v, tea.Batch(v.fetchCmd(), pollTick())

	case elapsedtimer.TickMsg:
		var cmd tea.Cmd
		v.timer, cmd = v.timer.Update(msg)
		return v, cmd

	case RunMsg:
		wasRunning := v.timer.Running()
		v.run = msg.Run
		v.lastErr = nil
		v.progress = v.progress.SetStages(msg.Run.Stages)
		v.syncTimer()
		v.refreshLogs()
		if msg.Run.Status.IsTerminal() {
			v.state = stateDone
			v.stop()
			return v, tea.Quit
		}
		if !wasRunning && v.timer.Running() {
			return v, v.timer.Init()
		}

	case FetchErrMsg:
		v.lastErr = msg.Err
	}
	return v, nil
}

// syncTimer follows the run's start and end times.
func (v *RunView) syncTimer() {
	switch {
	case v.run.StartedAt == nil:
	case v.run.EndedAt != nil:
		v.timer = v.timer.StartFrom(*v.run.StartedAt).StopAt(*v.run.EndedAt)
	case !v.timer.Running():
		v.timer = v.timer.StartFrom(*v.run.StartedAt)
	}
}

// refreshLogs shows the running stage's output, or the failed stage's once
// the run stops. The pane keeps following new lines unless scrolled up.
func (v *RunView) refreshLogs() {
	stage, ok := focusStage(v.run)
	if !ok {
		return
	}
	follow := v.logs.AtBottom() || stage.Name != v.logStage
	content := strings.Join(stage.Log, "\n")
	if content == "" {
		content = dimStyle.Render("no output yet")
	}
	v.logs.SetContent(content)
	v.logStage = stage.Name
	if follow {
		v.logs.GotoBottom()
	}
}

func focusStage(run pipeline.Run) (pipeline.StageResult, bool) {
	var last *pipeline.StageResult
	for i := range run.Stages {
		s := &run.Stages[i]
		switch s.Status {
		case pipeline.StageStatusRunning, pipeline.StageStatusFailed:
			return *s, true
		case pipeline.StageStatusSucceeded:
			last = s
		}
	}
	if last == nil {
		return pipeline.StageResult{}, false
	}
	return *last, true
}

func (v RunView) fetchCmd() tea.Cmd {
	if v.fetch == nil {
		return nil
	}
	fetch, ctx := v.fetch, v.ctx
	return func() tea.Msg {
		run, err := fetch(ctx)
		if err != nil {
			return FetchErrMsg{Err: err}
		}
		return RunMsg{Run: run}
	}
}

func (v RunView) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s  %s\n\n",
		labelStyle.Render("run"),
		valueStyle.Render(v.run.ID),
		dimStyle.Render(fmt.Sprintf("(%s @ %s)", v.run.Event.Branch, ShortCommit(v.run.Event.Commit))),
		v.timer.View())
	b.WriteString(v.progress.View())
	b.WriteString("\n\n")
	if v.logStage != "" {
		fmt.Fprintf(&b, "%s\n%s\n\n", labelStyle.Render("log: "+v.logStage), v.logs.View())
	}

	switch v.state {
	case stateCancelling:
		b.WriteString(warnStyle.Render("cancelling… press ctrl+c again to detach"))
	case stateDone:
		b.WriteString(runStatusStyle(v.run.Status).Render(v.run.Status.String()))
	case stateDetached:
		b.WriteString(dimStyle.Render("detached; the run continues"))
	default:
		b.WriteString(v.spinner.View() + " " + dimStyle.Render("ctrl+c to cancel, ↑/↓ to scroll the log"))
	}
	if v.lastErr != nil {
		b.WriteString("\n" + failStyle.Render(v.lastErr.Error()))
	}
	b.WriteString("\n")
	return b.String()
}

// Run is the last snapshot the view received.
func (v RunView) Run() pipeline.Run {
	return v.run
}

// Detached reports whether the user left before the run finished.
func (v RunView) Detached() bool {
	return v.state == stateDetached
}

func pollTick() tea.Cmd {
	return tea.Tick(PollInterval, func(time.Time) tea.Msg {
		return PollMsg{}
	})
}
