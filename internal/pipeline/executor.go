// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"io"
)

// Executor runs one stage. A nil error means the stage succeeded. Declared
// failures are returned as *StageError; any other error, or a panic, is
// recorded as an unexpected fault.
type Executor interface {
	Execute(ctx context.Context, sc *StageContext) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, sc *StageContext) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, sc *StageContext) (Outcome, error) {
	return f(ctx, sc)
}

// Interruptible is implemented by executors that stop promptly when their
// context is cancelled. Only those are interrupted by Cancel; the rest are
// allowed to finish the current stage.
type Interruptible interface {
	SupportsInterrupt() bool
}

// Cleaner is implemented by executors that hold per-run resources, such as a
// checked-out workspace. Cleanup runs once the run is terminal.
type Cleaner interface {
	Cleanup(ctx context.Context, runID string) error
}

// ExecutorFactory turns a validated stage spec into an executor. It is
// called once per stage when a definition is compiled.
type ExecutorFactory interface {
	NewExecutor(spec StageSpec) (Executor, error)
}

// RegistrySession is an authenticated registry connection that later stages
// of the same run can push through.
type RegistrySession interface {
	Push(ctx context.Context, ref ArtifactReference, log io.Writer) error
}

// StageContext is the accumulated run state handed to an executor.
type StageContext struct {
	RunID string
	Event TriggerEvent
	Spec  StageSpec
	Index int

	// SourcePath is set once checkout has succeeded.
	SourcePath string
	// Artifact is set once a build has succeeded.
	Artifact *ArtifactReference
	// Session is set once authenticate has succeeded.
	Session RegistrySession
	Secrets Secrets

	Log *StageLog
}

// Outcome carries what a successful stage contributes to later stages.
// Zero fields leave the run context unchanged.
type Outcome struct {
	SourcePath string
	Artifact   *ArtifactReference
	Session    RegistrySession
	ExitCode   int
}
