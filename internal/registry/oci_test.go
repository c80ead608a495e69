// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/internal/pipeline"
)

// testRegistry is an in-memory OCI registry that counts manifest uploads
// and optionally requires basic auth.
type testRegistry struct {
	host         string
	manifestPuts atomic.Int32
	username     string
	password     string
	requireCreds bool
}

func newTestRegistry(t *testing.T, requireCreds bool) *testRegistry {
	t.Helper()
	tr := &testRegistry{username: "deployer", password: "s3cr3t", requireCreds: requireCreds}
	inner := ggcrregistry.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tr.requireCreds {
			user, pass, ok := r.BasicAuth()
			if !ok || user != tr.username || pass != tr.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		if r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/manifests/") {
			tr.manifestPuts.Add(1)
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	tr.host = u.Host
	return tr
}

func (r *testRegistry) repository() string { return r.host + "/repo/app" }

// staticSource hands out a fixed image and counts how often it was asked.
type staticSource struct {
	mu    sync.Mutex
	img   v1.Image
	calls int
}

func (s *staticSource) Image(context.Context, pipeline.ArtifactReference) (v1.Image, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.img, func() {}, nil
}

func (s *staticSource) set(img v1.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = img
}

func randomImage(t *testing.T) v1.Image {
	t.Helper()
	img, err := random.Image(512, 2)
	require.NoError(t, err)
	return img
}

func remoteDigest(t *testing.T, ref string) string {
	t.Helper()
	tag, err := name.NewTag(ref, name.Insecure)
	require.NoError(t, err)
	desc, err := remote.Head(tag)
	require.NoError(t, err)
	return desc.Digest.String()
}

func TestOCI_PushIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, false)
	img := randomImage(t)
	source := &staticSource{img: img}
	oci := NewOCI(OCIOptions{Repository: reg.repository(), Insecure: true, Source: source})

	session, err := oci.Login(context.Background(), Credentials{})
	require.NoError(t, err)

	ref := pipeline.ArtifactReference{Repository: reg.repository(), Tag: "latest"}

	var first strings.Builder
	d1, err := session.PushWithDigest(context.Background(), ref, &first)
	require.NoError(t, err)

	var second strings.Builder
	d2, err := session.PushWithDigest(context.Background(), ref, &second)
	require.NoError(t, err)

	want, err := img.Digest()
	require.NoError(t, err)
	assert.Equal(t, want.String(), d1)
	assert.Equal(t, d1, d2)
	assert.Equal(t, int32(1), reg.manifestPuts.Load())
	assert.Contains(t, first.String(), "pushed "+ref.String())
	assert.Contains(t, second.String(), "skipping upload")
	assert.Equal(t, d1, remoteDigest(t, ref.String()))
}

func TestOCI_PushOverwritesTag(t *testing.T) {
	reg := newTestRegistry(t, false)
	source := &staticSource{img: randomImage(t)}
	oci := NewOCI(OCIOptions{Repository: reg.repository(), Insecure: true, Source: source})

	session, err := oci.Login(context.Background(), Credentials{})
	require.NoError(t, err)
	ref := pipeline.ArtifactReference{Repository: reg.repository(), Tag: "latest"}

	require.NoError(t, session.Push(context.Background(), ref, nil))

	next := randomImage(t)
	source.set(next)
	d2, err := session.PushWithDigest(context.Background(), ref, nil)
	require.NoError(t, err)

	want, err := next.Digest()
	require.NoError(t, err)
	assert.Equal(t, want.String(), d2)
	assert.Equal(t, want.String(), remoteDigest(t, ref.String()))
	assert.Equal(t, int32(2), reg.manifestPuts.Load())
}

func TestOCI_LoginWithCredentials(t *testing.T) {
	reg := newTestRegistry(t, true)
	oci := NewOCI(OCIOptions{Repository: reg.repository(), Insecure: true, Source: &staticSource{img: randomImage(t)}})

	session, err := oci.Login(context.Background(), Credentials{Server: reg.host, Username: "deployer", Password: "s3cr3t"})
	require.NoError(t, err)

	ref := pipeline.ArtifactReference{Repository: reg.repository(), Tag: "v1"}
	require.NoError(t, session.Push(context.Background(), ref, nil))
}

func TestOCI_LoginRejectsBadCredentials(t *testing.T) {
	reg := newTestRegistry(t, true)
	oci := NewOCI(OCIOptions{Repository: reg.repository(), Insecure: true})

	_, err := oci.Login(context.Background(), Credentials{Server: reg.host, Username: "deployer", Password: "wrong"})
	require.Error(t, err)
	assert.True(t, IsAuthError(err), "got %v", err)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestOCI_LoginRejectsForeignServer(t *testing.T) {
	oci := NewOCI(OCIOptions{Repository: "registry.example.com/repo/app"})
	_, err := oci.Login(context.Background(), Credentials{Server: "ghcr.io", Username: "u", Password: "p"})
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestOCI_InvalidRepository(t *testing.T) {
	oci := NewOCI(OCIOptions{Repository: "UPPER/Case::bad"})
	_, err := oci.Login(context.Background(), Credentials{})
	require.Error(t, err)

	var regErr *Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ErrTypeInvalidRef, regErr.Type)
}

func TestOCI_LoginHonoursContext(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	t.Cleanup(func() {
		close(blocked)
		server.Close()
	})
	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	oci := NewOCI(OCIOptions{Repository: u.Host + "/repo/app", Insecure: true})
	_, err = oci.Login(ctx, Credentials{})
	assert.ErrorIs(t, err, context.Canceled)
}
