// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/pkg/containers/docker"
	"github.com/noldarim/shipyard/pkg/containers/models"
)

// Docker pushes through the Docker daemon, which holds the built images.
type Docker struct {
	client docker.ClientInterface
}

var _ Registry = (*Docker)(nil)

func NewDocker(client docker.ClientInterface) *Docker {
	return &Docker{client: client}
}

// Login asks the daemon to verify creds against creds.Server.
func (d *Docker) Login(ctx context.Context, creds Credentials) (Session, error) {
	auth := models.RegistryAuth{Server: creds.Server, Username: creds.Username, Password: creds.Password}
	if err := d.client.RegistryLogin(ctx, auth); err != nil {
		return nil, ClassifyRegistryError(err, creds.Server, "login")
	}
	getLog().Info().Str("server", creds.Server).Str("driver", "docker").Msg("Registry login succeeded")
	return &dockerSession{client: d.client, auth: auth}, nil
}

type dockerSession struct {
	client docker.ClientInterface
	auth   models.RegistryAuth
}

func (s *dockerSession) Push(ctx context.Context, ref pipeline.ArtifactReference, log io.Writer) error {
	_, err := s.PushWithDigest(ctx, ref, log)
	return err
}

// PushWithDigest pushes the local image ref. The daemon skips layers the
// registry already has and the tag is overwritten, so repeating a push is
// safe.
func (s *dockerSession) PushWithDigest(ctx context.Context, ref pipeline.ArtifactReference, log io.Writer) (string, error) {
	target := ref.String()

	if s.auth.Server != "" {
		server, err := ServerFor(ref.Repository, false)
		if err != nil {
			return "", err
		}
		if !sameServer(server, s.auth.Server) {
			return "", &Error{
				Type:      ErrTypePermission,
				Operation: "push",
				Reference: target,
				Message:   fmt.Sprintf("session is authenticated for %s, not %s", s.auth.Server, server),
			}
		}
	}

	exists, err := s.client.ImageExists(ctx, target)
	if err != nil {
		return "", ClassifyRegistryError(err, target, "push")
	}
	if !exists {
		return "", &Error{Type: ErrTypeNotFound, Operation: "push", Reference: target, Message: fmt.Sprintf("image %s is not present locally", target)}
	}

	digest, err := s.client.PushImage(ctx, target, s.auth, log)
	if err != nil {
		return "", ClassifyRegistryError(err, target, "push")
	}
	if log != nil && digest != "" {
		fmt.Fprintf(log, "pushed %s@%s\n", target, digest)
	}
	getLog().Info().Str("ref", target).Str("digest", digest).Msg("Pushed image")
	return digest, nil
}
