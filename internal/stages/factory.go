// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stages implements the executors behind each pipeline stage kind.
package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/executil"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/registry"
	"github.com/noldarim/shipyard/pkg/containers/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetStageLogger().With().Str("component", "stages").Logger()
		log = &l
	})
	return log
}

// Labels put on containers and images so they can be traced to a run.
const (
	LabelRun      = "shipyard.run"
	LabelStage    = "shipyard.stage"
	LabelRevision = "org.opencontainers.image.revision"
	LabelSource   = "org.opencontainers.image.source"
)

// Workspace checks out source code for a run.
type Workspace interface {
	Checkout(ctx context.Context, runID, commit string, out io.Writer) (string, error)
	Remove(ctx context.Context, runID string) error
}

// ImageBuilder builds and tags images. The Docker client satisfies it.
type ImageBuilder interface {
	BuildImage(ctx context.Context, config models.BuildConfig, out io.Writer) (*models.BuildResult, error)
	TagImage(ctx context.Context, source, target string) error
}

// Dependencies are the collaborators shared by all executors.
type Dependencies struct {
	Workspace Workspace
	Runner    executil.Runner
	Builder   ImageBuilder
	Registry  registry.Registry

	// Registry target used when a stage does not name one.
	Repository string
	Tag        string
	// Server is the registry host credentials are for. Empty means the
	// host of Repository.
	Server         string
	Insecure       bool
	UsernameSecret string
	PasswordSecret string

	// DefaultImage runs install and test commands in a container when the
	// stage has no image of its own. Empty runs them on the host.
	DefaultImage string
	// SourceURL is recorded as an image label.
	SourceURL      string
	KeepWorkspaces bool
}

// Factory binds stage specs to executors.
type Factory struct {
	deps Dependencies
}

var _ pipeline.ExecutorFactory = (*Factory)(nil)

func NewFactory(deps Dependencies) *Factory {
	if deps.Tag == "" {
		deps.Tag = "latest"
	}
	return &Factory{deps: deps}
}

// SecretNames lists the secrets executors built by f will look up.
func (f *Factory) SecretNames() []string {
	var names []string
	for _, n := range []string{f.deps.UsernameSecret, f.deps.PasswordSecret} {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

// NewExecutor returns the executor for spec's kind. Missing collaborators
// are reported here so a misconfigured pipeline fails before any run.
func (f *Factory) NewExecutor(spec pipeline.StageSpec) (pipeline.Executor, error) {
	switch spec.Kind {
	case pipeline.KindCheckoutStage:
		if f.deps.Workspace == nil {
			return nil, errors.New("checkout needs a git workspace")
		}
		return &checkoutExecutor{workspace: f.deps.Workspace, keep: f.deps.KeepWorkspaces}, nil

	case pipeline.KindInstallStage, pipeline.KindTestStage:
		if f.deps.Runner == nil {
			return nil, errors.New("command stages need a runner")
		}
		kind := pipeline.KindInstall
		if spec.Kind == pipeline.KindTestStage {
			kind = pipeline.KindTest
		}
		image := spec.Image
		if image == "" {
			image = f.deps.DefaultImage
		}
		return &commandExecutor{runner: f.deps.Runner, kind: kind, image: image}, nil

	case pipeline.KindBuildStage:
		if f.deps.Builder == nil {
			return nil, errors.New("build needs a docker client")
		}
		repo := firstNonEmpty(spec.Repository, f.deps.Repository)
		if repo == "" {
			return nil, errors.New("build needs a repository")
		}
		return &buildExecutor{
			builder:    f.deps.Builder,
			repository: repo,
			tag:        firstNonEmpty(spec.Tag, f.deps.Tag),
			sourceURL:  f.deps.SourceURL,
		}, nil

	case pipeline.KindAuthenticateStage, pipeline.KindPublishStage:
		if f.deps.Registry == nil {
			return nil, errors.New("registry stages need a registry driver")
		}
		if f.deps.UsernameSecret == "" || f.deps.PasswordSecret == "" {
			return nil, errors.New("registry stages need username and password secret names")
		}
		login := &registryLogin{
			registry:       f.deps.Registry,
			server:         f.deps.Server,
			repository:     firstNonEmpty(spec.Repository, f.deps.Repository),
			insecure:       f.deps.Insecure,
			usernameSecret: f.deps.UsernameSecret,
			passwordSecret: f.deps.PasswordSecret,
		}
		if spec.Kind == pipeline.KindAuthenticateStage {
			return &authenticateExecutor{login: login}, nil
		}
		return &publishExecutor{login: login, tagger: f.deps.Builder, repository: spec.Repository, tag: spec.Tag}, nil
	}
	return nil, fmt.Errorf("unknown stage kind %q", spec.Kind)
}

// expandRunVars substitutes ${COMMIT}, ${SHORT_COMMIT}, ${BRANCH} and
// ${RUN_ID} in s. Unknown variables are left as they are.
func expandRunVars(s string, sc *pipeline.StageContext) string {
	if !strings.Contains(s, "$") {
		return s
	}
	short := sc.Event.Commit
	if len(short) > 12 {
		short = short[:12]
	}
	branch := strings.NewReplacer("/", "-", ":", "-").Replace(sc.Event.Branch)
	return os.Expand(s, func(key string) string {
		switch key {
		case "COMMIT":
			return sc.Event.Commit
		case "SHORT_COMMIT":
			return short
		case "BRANCH":
			return branch
		case "RUN_ID":
			return sc.RunID
		}
		return "${" + key + "}"
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stageLogger(sc *pipeline.StageContext) *zerolog.Logger {
	l := getLog().With().Str("run_id", sc.RunID).Str("stage", sc.Spec.Name).Logger()
	return &l
}
