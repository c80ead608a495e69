// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry authenticates against and pushes images to a container
// registry, either through the Docker daemon or directly over the OCI
// distribution API.
package registry

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/pkg/containers/docker"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRegistryLogger().With().Str("component", "registry").Logger()
		log = &l
	})
	return log
}

// Credentials for one registry. Password is never logged.
type Credentials struct {
	Server   string
	Username string
	Password string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Server:%s Username:%s Password:%s}", c.Server, c.Username, pipeline.RedactedPlaceholder)
}

// Registry creates authenticated sessions.
type Registry interface {
	// Login verifies creds and returns a session that pushes with them.
	Login(ctx context.Context, creds Credentials) (Session, error)
}

// Session is an authenticated registry connection.
type Session interface {
	pipeline.RegistrySession
	// PushWithDigest pushes ref and returns the manifest digest now stored
	// under its tag. Pushing an image that is already there under the same
	// tag succeeds without re-uploading.
	PushWithDigest(ctx context.Context, ref pipeline.ArtifactReference, log io.Writer) (string, error)
}

// New returns the driver selected by cfg. The docker driver and the OCI
// driver's image source both go through client.
func New(cfg config.RegistryConfig, client docker.ClientInterface) (Registry, error) {
	switch cfg.Driver {
	case "", "docker":
		if client == nil {
			return nil, fmt.Errorf("docker registry driver needs a docker client")
		}
		return NewDocker(client), nil
	case "oci":
		if client == nil {
			return nil, fmt.Errorf("oci registry driver needs a docker client to read built images")
		}
		return NewOCI(OCIOptions{
			Repository: cfg.Repository,
			Insecure:   cfg.Insecure,
			Source:     &DaemonSource{Client: client},
		}), nil
	default:
		return nil, fmt.Errorf("unsupported registry driver: %s", cfg.Driver)
	}
}

// ServerFor returns the registry host of repository, e.g. "ghcr.io" for
// "ghcr.io/org/app". Repositories without a host resolve to Docker Hub.
func ServerFor(repository string, insecure bool) (string, error) {
	var opts []name.Option
	if insecure {
		opts = append(opts, name.Insecure)
	}
	repo, err := name.NewRepository(repository, opts...)
	if err != nil {
		return "", ClassifyRegistryError(err, repository, "parse")
	}
	return repo.RegistryStr(), nil
}

// staticKeychain answers every resource with the same credentials.
type staticKeychain struct {
	auth authn.Authenticator
}

func (k staticKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	return k.auth, nil
}

func authenticator(creds Credentials) authn.Authenticator {
	if creds.Username == "" && creds.Password == "" {
		return authn.Anonymous
	}
	return authn.FromConfig(authn.AuthConfig{Username: creds.Username, Password: creds.Password})
}

// sameServer compares registry hosts, treating Docker Hub aliases as equal.
func sameServer(a, b string) bool {
	norm := func(s string) string {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
		s = strings.TrimSuffix(strings.TrimSuffix(s, "/v1/"), "/")
		switch s {
		case "docker.io", "index.docker.io", "registry-1.docker.io":
			return name.DefaultRegistry
		}
		return s
	}
	return norm(a) == norm(b)
}
