// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"fmt"
	"time"
)

// RunLifecycleType defines the type of run lifecycle event
type RunLifecycleType string

const (
	RunCreated        RunLifecycleType = "created"
	RunStageStarted   RunLifecycleType = "stage_started"
	RunStageSucceeded RunLifecycleType = "stage_succeeded"
	RunStageFailed    RunLifecycleType = "stage_failed"
	RunStageSkipped   RunLifecycleType = "stage_skipped"
	RunSucceeded      RunLifecycleType = "succeeded"
	RunFailed         RunLifecycleType = "failed"
	RunCancelled      RunLifecycleType = "cancelled"
)

// IsTerminal reports whether the event closes a run.
func (t RunLifecycleType) IsTerminal() bool {
	return t == RunSucceeded || t == RunFailed || t == RunCancelled
}

// RunLifecycleEvent reports a run or stage state change. Payload strings are
// already redacted by the publisher.
type RunLifecycleEvent struct {
	Metadata
	Type      RunLifecycleType `json:"type"`
	RunID     string           `json:"run_id"`
	Pipeline  string           `json:"pipeline"`
	Branch    string           `json:"branch"`
	Commit    string           `json:"commit"`
	RunStatus string           `json:"run_status"`

	// Stage fields are set for stage_* events.
	StageName   string `json:"stage_name,omitempty"`
	StageIndex  int    `json:"stage_index"`
	StageStatus string `json:"stage_status,omitempty"`
	ExitCode    int    `json:"exit_code,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`

	Error     string    `json:"error,omitempty"`
	Artifact  string    `json:"artifact,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RunLifecycleEvent) GetMetadata() Metadata {
	return e.Metadata
}

func (e RunLifecycleEvent) GetRunID() string { return e.RunID }

// IdempotencyKeyFor derives a stable key from the run, event type and stage.
func IdempotencyKeyFor(runID string, t RunLifecycleType, stageIndex int) string {
	return fmt.Sprintf("%s:%s:%d", runID, t, stageIndex)
}

// ErrorEvent reports a failure that is not tied to a stage, such as a
// rejected trigger or a dispatch error.
type ErrorEvent struct {
	Metadata
	Message string    `json:"message"`
	Context string    `json:"context,omitempty"`
	Time    time.Time `json:"time"`
}

func (e ErrorEvent) GetMetadata() Metadata {
	return e.Metadata
}

func (e ErrorEvent) GetRunID() string { return e.RunID }
