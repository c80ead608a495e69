// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/pkg/containers/docker"
)

const userAgent = "shipyard"

// ImageSource produces the image to push for a reference.
type ImageSource interface {
	Image(ctx context.Context, ref pipeline.ArtifactReference) (v1.Image, func(), error)
}

// DaemonSource exports images from the Docker daemon as tarballs.
type DaemonSource struct {
	Client docker.ClientInterface
	// TempDir holds exported tarballs until the push ends. Empty means the
	// system temp directory.
	TempDir string
}

func (s *DaemonSource) Image(ctx context.Context, ref pipeline.ArtifactReference) (v1.Image, func(), error) {
	f, err := os.CreateTemp(s.TempDir, "shipyard-image-*.tar")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create image export file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if err := s.Client.SaveImage(ctx, ref.String(), f); err != nil {
		f.Close()
		cleanup()
		return nil, nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to write image export: %w", err)
	}

	img, err := tarball.ImageFromPath(f.Name(), nil)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to read exported image: %w", err)
	}
	return img, cleanup, nil
}

// OCIOptions configures the OCI driver.
type OCIOptions struct {
	// Repository is checked for push permission at login.
	Repository string
	Insecure   bool
	Source     ImageSource
	// Transport defaults to remote.DefaultTransport.
	Transport http.RoundTripper
}

// OCI talks to the registry directly with go-containerregistry.
type OCI struct {
	opts OCIOptions
}

var _ Registry = (*OCI)(nil)

func NewOCI(opts OCIOptions) *OCI {
	if opts.Transport == nil {
		opts.Transport = remote.DefaultTransport
	}
	return &OCI{opts: opts}
}

func (o *OCI) nameOptions() []name.Option {
	if o.opts.Insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

// Login checks that creds may push to the configured repository.
func (o *OCI) Login(ctx context.Context, creds Credentials) (Session, error) {
	repo, err := name.NewRepository(o.opts.Repository, o.nameOptions()...)
	if err != nil {
		return nil, ClassifyRegistryError(err, o.opts.Repository, "login")
	}
	if creds.Server != "" && !sameServer(repo.RegistryStr(), creds.Server) {
		return nil, &Error{
			Type:      ErrTypePermission,
			Operation: "login",
			Reference: o.opts.Repository,
			Message:   fmt.Sprintf("credentials are for %s but the repository is on %s", creds.Server, repo.RegistryStr()),
		}
	}

	auth := authenticator(creds)
	tr := transport.NewUserAgent(o.opts.Transport, userAgent)
	ref := repo.Tag("latest")

	if err := checkPushPermission(ctx, ref, auth, tr); err != nil {
		return nil, ClassifyRegistryError(err, o.opts.Repository, "login")
	}
	getLog().Info().Str("repository", repo.String()).Str("driver", "oci").Msg("Registry login succeeded")

	return &ociSession{oci: o, auth: auth}, nil
}

// checkPushPermission runs remote.CheckPushPermission, which takes no
// context, and abandons it when ctx ends.
func checkPushPermission(ctx context.Context, ref name.Reference, auth authn.Authenticator, tr http.RoundTripper) error {
	done := make(chan error, 1)
	go func() {
		done <- remote.CheckPushPermission(ref, staticKeychain{auth: auth}, tr)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ociSession struct {
	oci  *OCI
	auth authn.Authenticator
}

func (s *ociSession) Push(ctx context.Context, ref pipeline.ArtifactReference, log io.Writer) error {
	_, err := s.PushWithDigest(ctx, ref, log)
	return err
}

// PushWithDigest uploads the image unless the tag already points at an
// identical manifest.
func (s *ociSession) PushWithDigest(ctx context.Context, ref pipeline.ArtifactReference, log io.Writer) (string, error) {
	if log == nil {
		log = io.Discard
	}
	target := ref.String()

	tag, err := name.NewTag(target, s.oci.nameOptions()...)
	if err != nil {
		return "", ClassifyRegistryError(err, target, "push")
	}
	if s.oci.opts.Source == nil {
		return "", errors.New("oci registry has no image source")
	}

	img, cleanup, err := s.oci.opts.Source.Image(ctx, ref)
	if err != nil {
		return "", ClassifyRegistryError(err, target, "push")
	}
	defer cleanup()

	local, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("failed to compute image digest: %w", err)
	}

	remoteOpts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(s.auth),
		remote.WithTransport(s.oci.opts.Transport),
		remote.WithUserAgent(userAgent),
	}

	desc, err := remote.Head(tag, remoteOpts...)
	switch {
	case err == nil && desc.Digest == local:
		fmt.Fprintf(log, "%s is already at %s, skipping upload\n", target, local)
		getLog().Info().Str("ref", target).Str("digest", local.String()).Msg("Image already published")
		return local.String(), nil
	case err != nil && !isNotFound(err):
		return "", ClassifyRegistryError(err, target, "push")
	}

	fmt.Fprintf(log, "pushing %s (%s)\n", target, local)
	if err := remote.Write(tag, img, remoteOpts...); err != nil {
		return "", ClassifyRegistryError(err, target, "push")
	}
	fmt.Fprintf(log, "pushed %s@%s\n", target, local)
	getLog().Info().Str("ref", target).Str("digest", local.String()).Msg("Pushed image")
	return local.String(), nil
}

func isNotFound(err error) bool {
	var transportErr *transport.Error
	return errors.As(err, &transportErr) && transportErr.StatusCode == http.StatusNotFound
}
