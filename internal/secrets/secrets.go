// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secrets provides pipeline.SecretResolver implementations backed by
// the environment, a YAML file or a static map.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/pipeline"
)

// ErrSecretNotFound is returned when a resolver has no value for a name.
var ErrSecretNotFound = errors.New("secret not found")

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger().With().Str("component", "secrets").Logger()
		log = &l
	})
	return log
}

var (
	_ pipeline.SecretResolver = (*Env)(nil)
	_ pipeline.SecretResolver = (*File)(nil)
	_ pipeline.SecretResolver = Map(nil)
	_ pipeline.SecretResolver = Chain(nil)
)

// New builds the resolver selected by cfg.
func New(cfg config.SecretsConfig) (pipeline.SecretResolver, error) {
	switch cfg.Provider {
	case "", "env":
		return NewEnv(cfg.EnvPrefix), nil
	case "file":
		f, err := NewFile(cfg.File)
		if err != nil {
			return nil, err
		}
		// Environment variables override the file.
		return Chain{NewEnv(cfg.EnvPrefix), f}, nil
	default:
		return nil, fmt.Errorf("unsupported secrets provider: %s", cfg.Provider)
	}
}

// Env reads secrets from environment variables named Prefix+name.
type Env struct {
	Prefix string
	lookup func(string) (string, bool)
}

func NewEnv(prefix string) *Env {
	return &Env{Prefix: prefix, lookup: os.LookupEnv}
}

func (e *Env) Resolve(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.Prefix + name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, e.Prefix+name)
	}
	getLog().Debug().Str("name", name).Str("source", "env").Msg("Resolved secret")
	return v, nil
}

// File reads secrets from a flat YAML mapping of name to value. The file is
// re-read when its modification time changes.
type File struct {
	path string

	mu      sync.Mutex
	values  map[string]string
	modTime int64
}

// NewFile loads path. A missing or malformed file is an error.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("secrets file path cannot be empty")
	}
	f := &File{path: path}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Resolve(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := f.reload(); err != nil {
		return "", err
	}

	f.mu.Lock()
	v, ok := f.values[name]
	f.mu.Unlock()
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s has no entry %q", ErrSecretNotFound, f.path, name)
	}
	getLog().Debug().Str("name", name).Str("source", "file").Msg("Resolved secret")
	return v, nil
}

func (f *File) reload() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		getLog().Warn().Str("path", f.path).Str("mode", info.Mode().Perm().String()).Msg("Secrets file is readable by other users")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values != nil && info.ModTime().UnixNano() == f.modTime {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		// The yaml error may quote file content, so it is not wrapped.
		return fmt.Errorf("secrets file %s is not a flat name: value mapping", f.path)
	}
	f.values = values
	f.modTime = info.ModTime().UnixNano()
	return nil
}

// Map is a static resolver, mainly for tests and embedding.
type Map map[string]string

func (m Map) Resolve(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// Chain tries each resolver in order. Only ErrSecretNotFound falls through
// to the next one; any other error is returned immediately.
type Chain []pipeline.SecretResolver

func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	if len(c) == 0 {
		return "", fmt.Errorf("%w: no resolvers configured", ErrSecretNotFound)
	}
	var notFound []error
	for _, r := range c {
		v, err := r.Resolve(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
		notFound = append(notFound, err)
	}
	return "", errors.Join(notFound...)
}
