// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/engine/temporal"
	"github.com/noldarim/shipyard/internal/executil"
	"github.com/noldarim/shipyard/internal/git"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/protocol"
	"github.com/noldarim/shipyard/internal/registry"
	"github.com/noldarim/shipyard/internal/secrets"
	"github.com/noldarim/shipyard/internal/stages"
	"github.com/noldarim/shipyard/internal/store"
	"github.com/noldarim/shipyard/internal/telemetry"
	"github.com/noldarim/shipyard/pkg/containers/docker"
)

type rootOptions struct {
	configPath   string
	pipelineFile string
	logLevel     string

	// newApp wires the runtime for run, serve and worker.
	newApp     func(ctx context.Context, cfg *config.AppConfig, def *pipeline.Definition) (*App, error)
	isTerminal func(w io.Writer) bool
}

func defaultOptions() *rootOptions {
	return &rootOptions{
		newApp:     bootstrap,
		isTerminal: isTerminal,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// setup loads the configuration and starts logging. The returned func
// flushes and closes the log outputs. quietConsole drops console log output
// so it does not tear through the live terminal view.
func (o *rootOptions) setup(quietConsole bool) (*config.AppConfig, func(), error) {
	cfg, err := config.NewConfig(o.configPath)
	if err != nil {
		return nil, nil, usageError(err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = strings.ToUpper(o.logLevel)
		for pkg := range cfg.Log.Levels {
			cfg.Log.Levels[pkg] = cfg.Log.Level
		}
	}
	if quietConsole {
		for i := range cfg.Log.Output {
			if cfg.Log.Output[i].Type == "console" {
				cfg.Log.Output[i].Enabled = false
			}
		}
	}
	if err := logger.Initialize(&cfg.Log); err != nil {
		return nil, nil, usageError(fmt.Errorf("failed to initialize logger: %w", err))
	}
	return cfg, func() { _ = logger.CloseGlobal() }, nil
}

// definition loads the pipeline named by --pipeline or the config, falling
// back to the built-in one. A definition without a trigger branch takes the
// configured one.
func (o *rootOptions) definition(cfg *config.AppConfig) (*pipeline.Definition, error) {
	path := o.pipelineFile
	if path == "" {
		path = cfg.Pipeline.DefinitionFile
	}

	if path == "" {
		def := pipeline.DefaultDefinition()
		def.Trigger.Branch = cfg.Pipeline.TriggerBranch
		return def, nil
	}

	def, err := pipeline.LoadDefinitionFile(path)
	if err != nil {
		return nil, usageError(err)
	}
	if def.Trigger.Branch == "" {
		def.Trigger.Branch = cfg.Pipeline.TriggerBranch
	}
	return def, nil
}

// App is the wired runtime shared by run, serve and worker.
type App struct {
	Config       *config.AppConfig
	Orchestrator *pipeline.Orchestrator
	Store        *store.GormStore
	// Events receives run lifecycle events from the orchestrator.
	Events chan protocol.Event

	closers []func(context.Context) error
}

// OnClose registers fn to run on Close. Closers run in reverse order.
func (a *App) OnClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close stops everything the app started.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(cfg *config.AppConfig) (*store.GormStore, error) {
	st, err := store.Open(&cfg.Database)
	if err != nil {
		return nil, failure(err)
	}
	if err := st.AutoMigrate(); err != nil {
		_ = st.Close()
		return nil, failure(fmt.Errorf("failed to migrate database: %w", err))
	}
	return st, nil
}

func bootstrap(ctx context.Context, cfg *config.AppConfig, def *pipeline.Definition) (*App, error) {
	app := &App{
		Config: cfg,
		Events: make(chan protocol.Event, cfg.Pipeline.EventBuffer),
	}
	if err := wire(ctx, app, def); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func wire(ctx context.Context, app *App, def *pipeline.Definition) error {
	cfg := app.Config

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return failure(fmt.Errorf("failed to initialize telemetry: %w", err))
	}
	app.OnClose(shutdown)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	app.Store = st
	app.OnClose(func(context.Context) error { return st.Close() })

	resolver, err := secrets.New(cfg.Secrets)
	if err != nil {
		return usageError(err)
	}

	dockerClient, err := docker.NewClientWithHost(cfg.Container.DockerHost)
	if err != nil {
		return failure(fmt.Errorf("failed to create docker client: %w", err))
	}
	app.OnClose(func(context.Context) error { return dockerClient.Close() })

	repository := cfg.Git.Repository
	if repository == "" {
		repository = "."
	}
	workspace, err := git.NewWorkspace(repository, cfg.Git.WorkspaceDir)
	if err != nil {
		return usageError(err)
	}

	var reg registry.Registry
	if def.NeedsRegistry() {
		if reg, err = registry.New(cfg.Registry, dockerClient); err != nil {
			return usageError(err)
		}
	}

	factory := stages.NewFactory(stages.Dependencies{
		Workspace: workspace,
		Runner: executil.Auto{
			Local: &executil.LocalRunner{},
			Container: &executil.ContainerRunner{
				Client:      dockerClient,
				WorkDir:     cfg.Container.WorkDir,
				NetworkMode: cfg.Container.NetworkMode,
				MemoryMB:    cfg.Container.MemoryMB,
				Env:         cfg.Container.Environment,
			},
		},
		Builder:        dockerClient,
		Registry:       reg,
		Repository:     cfg.Registry.Repository,
		Tag:            cfg.Registry.Tag,
		Server:         cfg.Registry.Server,
		Insecure:       cfg.Registry.Insecure,
		UsernameSecret: cfg.Registry.UsernameSecret,
		PasswordSecret: cfg.Registry.PasswordSecret,
		SourceURL:      sourceURL(cfg.Git.Repository),
		KeepWorkspaces: cfg.Git.KeepWorkspaces,
	})

	p, err := pipeline.Compile(def, factory, cfg.Pipeline.StageTimeout)
	if err != nil {
		return usageError(err)
	}
	orch, err := pipeline.New(pipeline.Options{
		Pipeline:       p,
		Secrets:        resolver,
		SecretNames:    factory.SecretNames(),
		Recorder:       st,
		Events:         app.Events,
		TracerProvider: telemetry.TracerProvider(),
	})
	if err != nil {
		return usageError(err)
	}
	app.Orchestrator = orch
	app.OnClose(orch.Close)

	if cfg.Pipeline.Engine == "temporal" {
		return wireTemporal(app, p)
	}
	return nil
}

// wireTemporal routes dispatch through Temporal and runs a worker for the
// task queue in this process.
func wireTemporal(app *App, p *pipeline.Pipeline) error {
	cfg := app.Config
	tc, err := temporal.Dial(cfg.Temporal)
	if err != nil {
		return failure(err)
	}
	app.OnClose(func(context.Context) error { return tc.Close() })

	app.Orchestrator.SetDispatcher(temporal.NewDispatcher(tc, temporal.TimeoutsFor(cfg.Temporal, p.MaxTimeout())))

	w := temporal.NewWorker(tc, app.Orchestrator, cfg.Temporal.Worker)
	if err := w.Start(); err != nil {
		return failure(fmt.Errorf("failed to start temporal worker: %w", err))
	}
	app.OnClose(func(context.Context) error {
		w.Stop()
		return nil
	})
	return nil
}

// sourceURL returns repository when it is a remote, for the image source label.
func sourceURL(repository string) string {
	if strings.Contains(repository, "://") || strings.HasPrefix(repository, "git@") {
		return repository
	}
	return ""
}
