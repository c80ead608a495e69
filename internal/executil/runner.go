// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executil runs stage commands either as local processes or inside
// throwaway containers.
package executil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/pkg/containers/docker"
	"github.com/noldarim/shipyard/pkg/containers/events"
	"github.com/noldarim/shipyard/pkg/containers/models"
	"github.com/noldarim/shipyard/pkg/containers/service"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once

	containerLog     *zerolog.Logger
	containerLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetStageLogger().With().Str("component", "executil").Logger()
		log = &l
	})
	return log
}

func getContainerLog() *zerolog.Logger {
	containerLogOnce.Do(func() {
		l := logger.GetContainerLogger().With().Str("component", "executil").Logger()
		containerLog = &l
	})
	return containerLog
}

// KillGracePeriod is how long a cancelled local process has to exit after
// its process group was signalled before the runner stops waiting for it.
const KillGracePeriod = 5 * time.Second

// ErrNoImage is returned by ContainerRunner for a command without an image.
var ErrNoImage = errors.New("command has no container image")

// Command is one program invocation.
type Command struct {
	Args []string
	// Dir is the host directory the command runs in. For container runs it
	// is mounted as the container's working directory.
	Dir   string
	Env   map[string]string
	Image string
	// Labels are applied to containers for later cleanup.
	Labels map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the argument list for logs.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Result describes a command that ran to completion. A non-zero ExitCode is
// not an error.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner executes a Command. The error is non-nil only when the command
// could not be run or was stopped by ctx.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Auto sends commands that name an image to Container and everything else
// to Local.
type Auto struct {
	Local     Runner
	Container Runner
}

func (a Auto) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Image != "" {
		if a.Container == nil {
			return Result{ExitCode: -1}, fmt.Errorf("command %q needs image %s but no container runtime is configured", cmd.String(), cmd.Image)
		}
		return a.Container.Run(ctx, cmd)
	}
	if a.Local == nil {
		return Result{ExitCode: -1}, errors.New("no local runner configured")
	}
	return a.Local.Run(ctx, cmd)
}

// LocalRunner runs commands as child processes of this one.
type LocalRunner struct {
	// BaseEnv is the environment every command starts from. Nil means the
	// current process environment.
	BaseEnv []string
}

func (r *LocalRunner) Run(ctx context.Context, c Command) (Result, error) {
	if len(c.Args) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdout = orDiscard(c.Stdout)
	cmd.Stderr = orDiscard(c.Stderr)
	cmd.WaitDelay = KillGracePeriod
	setProcessGroup(cmd)

	env := r.BaseEnv
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), models.EnvList(c.Env)...)

	l := getLog().With().Str("command", c.String()).Str("dir", c.Dir).Logger()
	l.Debug().Msg("Starting local command")

	start := time.Now()
	err := cmd.Run()
	result := Result{Duration: time.Since(start)}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.ExitCode = -1
			l.Info().Err(ctxErr).Msg("Command stopped by context")
			return result, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitCode(exitErr)
			l.Debug().Int("exit_code", result.ExitCode).Dur("duration", result.Duration).Msg("Command finished")
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run %s: %w", c.Args[0], err)
	}

	l.Debug().Dur("duration", result.Duration).Msg("Command finished")
	return result, nil
}

// ContainerRunner runs commands in a fresh container with the command's
// directory bind-mounted at WorkDir.
type ContainerRunner struct {
	Client      docker.ClientInterface
	WorkDir     string
	NetworkMode string
	MemoryMB    int64
	// Env is merged under each command's own environment.
	Env map[string]string
}

func (r *ContainerRunner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Image == "" {
		return Result{ExitCode: -1}, ErrNoImage
	}
	if len(c.Args) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("command cannot be empty")
	}

	workDir := r.WorkDir
	if workDir == "" {
		workDir = "/src"
	}
	env := make(map[string]string, len(r.Env)+len(c.Env))
	for k, v := range r.Env {
		env[k] = v
	}
	for k, v := range c.Env {
		env[k] = v
	}

	cfg := models.ContainerConfig{
		Image:       c.Image,
		Command:     c.Args,
		WorkingDir:  workDir,
		Environment: env,
		Labels:      c.Labels,
		NetworkMode: r.NetworkMode,
		MemoryMB:    r.MemoryMB,
	}
	if c.Dir != "" {
		cfg.Volumes = []models.VolumeMapping{{HostPath: c.Dir, ContainerPath: workDir}}
	}

	stderr := orDiscard(c.Stderr)
	// Lifecycle events of this container go to the command's own stderr.
	svc := service.NewServiceWithClient(r.Client, events.PublisherFunc(func(e events.Event) error {
		getContainerLog().Debug().Str("image", c.Image).Msg(e.Describe())
		_, err := fmt.Fprintln(stderr, e.Describe())
		return err
	}))

	start := time.Now()
	code, err := svc.RunContainer(ctx, cfg, orDiscard(c.Stdout), stderr)
	result := Result{ExitCode: code, Duration: time.Since(start)}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, fmt.Errorf("container run failed: %w", err)
	}
	return result, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
