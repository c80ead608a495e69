// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the shipyard command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const appName = "shipyard"

// Set with -ldflags "-X github.com/noldarim/shipyard/internal/cli.Version=...".
var (
	Version = "0.1.0-dev"
	Commit  = "unknown"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitUsage covers bad flags, rejected trigger events and invalid
	// configuration or pipeline definitions.
	ExitUsage = 2
)

// exitError carries the exit code for err. A nil err exits without printing
// anything, for commands that already reported the outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: ExitUsage, err: err}
}

func usageErrorf(format string, args ...interface{}) error {
	return usageError(fmt.Errorf(format, args...))
}

func failure(err error) error {
	return &exitError{code: ExitFailure, err: err}
}

func silentExit(code int) error {
	return &exitError{code: code}
}

// ExitCode maps an error returned by a command to a process exit code.
// Errors cobra raises itself (unknown commands, missing required flags)
// count as usage errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitUsage
}

// Execute runs the CLI with os.Args and returns the process exit code.
func Execute() int {
	return run(newRootCommand(defaultOptions()), os.Args[1:], os.Stdout, os.Stderr)
}

func run(root *cobra.Command, args []string, stdout, stderr io.Writer) int {
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	code := ExitCode(err)
	if err == nil {
		return code
	}

	var ee *exitError
	if errors.As(err, &ee) && ee.err == nil {
		return code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if !errors.As(err, &ee) {
		fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", appName)
	}
	return code
}

// NewRootCommand returns the shipyard command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(defaultOptions())
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Build, test and publish commits pushed to a branch",
		Long: `shipyard runs a fixed deployment pipeline for a commit:
checkout, install, test, build and publish a container image.

Runs are recorded in a database and can be followed from the terminal,
the HTTP API or a websocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./shipyard.yaml)")
	pf.StringVarP(&opts.pipelineFile, "pipeline", "p", "", "pipeline definition file (overrides pipeline.definition_file)")
	pf.StringVar(&opts.logLevel, "log-level", "", "override the log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newRunCommand(opts),
		newStatusCommand(opts),
		newRunsCommand(opts),
		newServeCommand(opts),
		newWorkerCommand(opts),
		newValidateCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return root
}
