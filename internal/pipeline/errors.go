// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind. Match them with errors.Is.
var (
	ErrInvalidEvent    = errors.New("event does not match the trigger filter")
	ErrCheckout        = errors.New("checkout failed")
	ErrInstall         = errors.New("dependency install failed")
	ErrTest            = errors.New("tests failed")
	ErrBuild           = errors.New("build failed")
	ErrAuth            = errors.New("registry authentication failed")
	ErrPublish         = errors.New("publish failed")
	ErrTimeout         = errors.New("stage timed out")
	ErrCancelled       = errors.New("stage cancelled")
	ErrUnexpectedFault = errors.New("unexpected stage fault")
	ErrSecret          = errors.New("secret unavailable")

	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrRunNotFound       = errors.New("run not found")
	ErrRunTerminal       = errors.New("run already finished")
	ErrRunBusy           = errors.New("run is already advancing")
)

// ErrorKind is the stable name of a failure kind as recorded on a StageResult.
type ErrorKind string

const (
	KindInvalidEvent    ErrorKind = "InvalidEventError"
	KindCheckout        ErrorKind = "CheckoutError"
	KindInstall         ErrorKind = "InstallError"
	KindTest            ErrorKind = "TestError"
	KindBuild           ErrorKind = "BuildError"
	KindAuth            ErrorKind = "AuthError"
	KindPublish         ErrorKind = "PublishError"
	KindTimeout         ErrorKind = "TimeoutError"
	KindCancelled       ErrorKind = "CancelledError"
	KindUnexpectedFault ErrorKind = "UnexpectedStageFault"
	KindSecret          ErrorKind = "SecretError"
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidEvent:    ErrInvalidEvent,
	KindCheckout:        ErrCheckout,
	KindInstall:         ErrInstall,
	KindTest:            ErrTest,
	KindBuild:           ErrBuild,
	KindAuth:            ErrAuth,
	KindPublish:         ErrPublish,
	KindTimeout:         ErrTimeout,
	KindCancelled:       ErrCancelled,
	KindUnexpectedFault: ErrUnexpectedFault,
	KindSecret:          ErrSecret,
}

// Sentinel returns the sentinel error for k.
func (k ErrorKind) Sentinel() error {
	if err, ok := kindSentinels[k]; ok {
		return err
	}
	return ErrUnexpectedFault
}

// InvalidEventError rejects a trigger before any run is created.
type InvalidEventError struct {
	Event  TriggerEvent
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event (branch=%q commit=%q): %s", e.Event.Branch, e.Event.Commit, e.Reason)
}

func (e *InvalidEventError) Is(target error) bool {
	return target == ErrInvalidEvent
}

// StageError is a declared stage failure.
type StageError struct {
	Kind     ErrorKind
	Stage    string
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	return e.format(func(s string) string { return s })
}

// format renders the error, passing only the cause through redact. The stage
// name and kind are never secret.
func (e *StageError) format(redact func(string) string) string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + redact(e.Err.Error())
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

// Fail builds a StageError of the given kind. The stage name is filled in by
// the orchestrator when left empty.
func Fail(kind ErrorKind, err error) *StageError {
	return &StageError{Kind: kind, Err: err}
}

// Failf is Fail with a formatted cause.
func Failf(kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// FailExit records a command that ran and exited non-zero.
func FailExit(kind ErrorKind, exitCode int, err error) *StageError {
	return &StageError{Kind: kind, ExitCode: exitCode, Err: err}
}

// KindOf classifies err. Anything that is not a declared failure is an
// unexpected fault.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnexpectedFault
}

// ExitCodeOf returns the exit code carried by a StageError, or 0.
func ExitCodeOf(err error) int {
	var se *StageError
	if errors.As(err, &se) {
		return se.ExitCode
	}
	return 0
}
