// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "workspace").Logger()
		log = &l
	})
	return log
}

// ErrCommitNotFound is returned when the requested commit does not exist in
// the source repository.
var ErrCommitNotFound = errors.New("commit not found")

const (
	maxPathLength  = 4096
	maxRunIDLength = 100
	maxRefLength   = 250
)

var (
	// Run ids become directory names.
	runIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Commit SHAs or plain ref names. Leading '-' is rejected so a ref can
	// never be read as an option.
	commitRefRegex = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9/._-]*$`)

	hexRegex = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)
)

// Allowed git operations for security
var allowedGitOperations = map[string]bool{
	"clone":     true,
	"checkout":  true,
	"rev-parse": true,
	"fetch":     true,
}

// Workspace checks out commits of one repository into per-run directories.
type Workspace struct {
	repository string
	baseDir    string
}

// NewWorkspace returns a Workspace cloning repository into directories under
// baseDir. repository may be a local path or any URL git understands.
func NewWorkspace(repository, baseDir string) (*Workspace, error) {
	if repository == "" {
		return nil, fmt.Errorf("repository cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("workspace directory cannot be empty")
	}

	absBase, err := validatePath(baseDir)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace directory: %w", err)
	}
	if err := os.MkdirAll(absBase, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	// Local repositories are resolved so clone does not depend on the cwd.
	if !strings.Contains(repository, "://") && !strings.Contains(repository, "@") {
		if abs, err := filepath.Abs(repository); err == nil {
			if _, statErr := os.Stat(abs); statErr == nil {
				repository = abs
			}
		}
	}

	return &Workspace{repository: repository, baseDir: absBase}, nil
}

// Repository returns the source repository location.
func (w *Workspace) Repository() string { return w.repository }

// Path returns the checkout directory for runID.
func (w *Workspace) Path(runID string) string {
	return filepath.Join(w.baseDir, runID)
}

// Checkout clones the repository into the run's directory and detaches HEAD
// at commit. Git output is written to out. The returned path is the working
// tree root. Any previous checkout for the run is replaced.
func (w *Workspace) Checkout(ctx context.Context, runID, commit string, out io.Writer) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}
	if err := validateCommitRef(commit); err != nil {
		return "", err
	}
	if out == nil {
		out = io.Discard
	}

	dest := w.Path(runID)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("failed to clear previous checkout: %w", err)
	}

	l := getLog().With().Str("run_id", runID).Str("commit", commit).Logger()
	l.Debug().Str("repository", w.repository).Str("path", dest).Msg("Cloning repository")

	if err := w.run(ctx, w.baseDir, out, "clone", "--no-checkout", "--quiet", "--", w.repository, dest); err != nil {
		return "", fmt.Errorf("clone failed: %w", err)
	}

	sha, err := w.resolveCommit(ctx, dest, commit)
	if err != nil && IsCommitSHA(commit) && len(commit) >= 40 {
		// Commits outside the cloned refs can still be fetched by full SHA.
		if fetchErr := w.run(ctx, dest, out, "fetch", "--quiet", "origin", commit); fetchErr == nil {
			sha, err = w.resolveCommit(ctx, dest, commit)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s", ErrCommitNotFound, commit)
	}

	if err := w.run(ctx, dest, out, "checkout", "--quiet", "--detach", sha); err != nil {
		return "", fmt.Errorf("checkout of %s failed: %w", commit, err)
	}

	head, err := w.output(ctx, dest, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head != sha {
		return "", fmt.Errorf("HEAD is %s after checkout, expected %s", head, sha)
	}

	fmt.Fprintf(out, "checked out %s at %s\n", sha, dest)
	l.Info().Str("sha", sha).Msg("Checked out commit")
	return dest, nil
}

// Remove deletes the run's checkout. Removing a missing checkout is not an
// error.
func (w *Workspace) Remove(_ context.Context, runID string) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	if err := os.RemoveAll(w.Path(runID)); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	getLog().Debug().Str("run_id", runID).Msg("Removed workspace")
	return nil
}

// getSafeEnvironment returns a minimal, safe environment for git commands
func getSafeEnvironment() []string {
	return []string{
		"HOME=" + os.Getenv("HOME"),
		"USER=" + os.Getenv("USER"),
		"PATH=" + os.Getenv("PATH"),
		"LANG=" + os.Getenv("LANG"),
		"LC_ALL=" + os.Getenv("LC_ALL"),
		"SSH_AUTH_SOCK=" + os.Getenv("SSH_AUTH_SOCK"),
		// Git-specific environment variables
		"GIT_TERMINAL_PROMPT=0", // Disable interactive prompts
		"GIT_ASKPASS=",          // Disable password prompts
	}
}

// buildSafeGitCommand builds a git command with security validations
func buildSafeGitCommand(ctx context.Context, workDir string, args ...string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no git command specified")
	}

	operation := args[0]
	if !allowedGitOperations[operation] {
		return nil, fmt.Errorf("git operation not allowed: %s", operation)
	}

	validatedWorkDir, err := validatePath(workDir)
	if err != nil {
		return nil, fmt.Errorf("invalid working directory: %w", err)
	}

	getLog().Debug().Str("operation", operation).Strs("args", args).Str("work_dir", validatedWorkDir).Msg("Git operation")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = validatedWorkDir
	cmd.Env = getSafeEnvironment()
	return cmd, nil
}

func (w *Workspace) run(ctx context.Context, workDir string, out io.Writer, args ...string) error {
	cmd, err := buildSafeGitCommand(ctx, workDir, args...)
	if err != nil {
		return err
	}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("git %s exited with code %d", args[0], exitErr.ExitCode())
		}
		return err
	}
	return nil
}

func (w *Workspace) resolveCommit(ctx context.Context, dir, commit string) (string, error) {
	return w.output(ctx, dir, "rev-parse", "--verify", "--quiet", commit+"^{commit}")
}

func (w *Workspace) output(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd, err := buildSafeGitCommand(ctx, workDir, args...)
	if err != nil {
		return "", err
	}
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func validatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if len(path) > maxPathLength {
		return "", fmt.Errorf("path too long: %d characters (max: %d)", len(path), maxPathLength)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return filepath.Clean(absPath), nil
}

func validateRunID(runID string) error {
	if runID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	if len(runID) > maxRunIDLength {
		return fmt.Errorf("run ID too long: %d characters (max: %d)", len(runID), maxRunIDLength)
	}
	if !runIDRegex.MatchString(runID) {
		return fmt.Errorf("run ID contains invalid characters: %s", runID)
	}
	return nil
}

func validateCommitRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("commit cannot be empty")
	}
	if len(ref) > maxRefLength {
		return fmt.Errorf("commit reference too long: %d characters (max: %d)", len(ref), maxRefLength)
	}
	if !commitRefRegex.MatchString(ref) || strings.Contains(ref, "..") {
		return fmt.Errorf("commit reference contains invalid characters: %s", ref)
	}
	return nil
}

// IsCommitSHA reports whether ref looks like an abbreviated or full SHA.
func IsCommitSHA(ref string) bool {
	return hexRegex.MatchString(ref)
}
