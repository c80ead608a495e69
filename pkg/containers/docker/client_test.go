// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/pkg/containers/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readTar(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	entries := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[hdr.Name] = string(body)
	}
	return entries
}

func TestTarDirectory_IncludesFilesAndSkipsGit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Dockerfile"), "FROM scratch\n")
	writeFile(t, filepath.Join(dir, "src", "index.js"), "console.log('hi')\n")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/main\n")

	r, err := tarDirectory(dir)
	require.NoError(t, err)

	entries := readTar(t, r)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	assert.Equal(t, []string{"Dockerfile", "src", "src/index.js"}, names)
	assert.Equal(t, "FROM scratch\n", entries["Dockerfile"])
	assert.Equal(t, "console.log('hi')\n", entries["src/index.js"])
}

func TestTarDirectory_RejectsMissingOrFile(t *testing.T) {
	_, err := tarDirectory(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")
	_, err = tarDirectory(file)
	assert.ErrorContains(t, err, "not a directory")
}

func TestMockClient_StreamLogsWritesOutput(t *testing.T) {
	m := &MockClient{}
	var stdout, stderr strings.Builder
	m.On("StreamLogs", context.Background(), "c1", &stdout, &stderr).Return("out\n", "err\n", nil)

	require.NoError(t, m.StreamLogs(context.Background(), "c1", &stdout, &stderr))
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
	m.AssertExpectations(t)
}

// Requires a running Docker daemon.
func TestClient_RunContainerAgainstDaemon(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Docker test in short mode")
	}
	c, err := NewClient()
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if ok, err := c.ImageExists(ctx, "alpine:latest"); err != nil || !ok {
		t.Skip("alpine:latest not present locally")
	}

	ctr, err := c.CreateContainer(ctx, models.ContainerConfig{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "echo hello; echo oops >&2; exit 3"},
		Labels:  map[string]string{"shipyard.test": "client"},
	})
	require.NoError(t, err)
	defer func() { _ = c.RemoveContainer(context.Background(), ctr.ID, true) }()

	require.NoError(t, c.StartContainer(ctx, ctr.ID))
	code, err := c.WaitContainer(ctx, ctr.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	var stdout, stderr strings.Builder
	require.NoError(t, c.StreamLogs(ctx, ctr.ID, &stdout, &stderr))
	assert.Equal(t, "hello\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())

	listed, err := c.ListContainersByLabels(ctx, map[string]string{"shipyard.test": "client"})
	require.NoError(t, err)
	assert.NotEmpty(t, listed)
}
