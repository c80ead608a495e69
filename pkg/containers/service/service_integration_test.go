// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/pkg/containers/models"
)

const integrationImage = "alpine:latest"

// newIntegrationService returns a Service backed by the local daemon, or
// skips the test when no daemon or test image is available.
func newIntegrationService(t *testing.T) *Service {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Docker integration test in short mode")
	}

	pub := &recordingPublisher{}
	service, err := NewService(pub)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = service.RemoveByLabels(ctx, map[string]string{"shipyard.test": "integration"})
		_ = service.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ok, err := service.Client().ImageExists(ctx, integrationImage); err != nil || !ok {
		t.Skipf("%s not available: %v", integrationImage, err)
	}
	return service
}

func TestIntegration_RunContainer_MountedWorkspace(t *testing.T) {
	service := newIntegrationService(t)

	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "package.json"), []byte(`{"name":"demo"}`), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var stdout, stderr strings.Builder
	code, err := service.RunContainer(ctx, models.ContainerConfig{
		Image:      integrationImage,
		Command:    []string{"sh", "-c", "cat package.json; echo done >&2; exit 2"},
		WorkingDir: "/workspace",
		Volumes:    []models.VolumeMapping{{HostPath: workspace, ContainerPath: "/workspace", ReadOnly: true}},
		Labels:     map[string]string{"shipyard.test": "integration"},
	}, &stdout, &stderr)

	require.NoError(t, err)
	assert.Equal(t, 2, code)
	assert.Equal(t, `{"name":"demo"}`, stdout.String())
	assert.Equal(t, "done\n", stderr.String())
	assert.Empty(t, service.ListContainers())
}

func TestIntegration_RunContainer_Timeout(t *testing.T) {
	service := newIntegrationService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := service.RunContainer(ctx, models.ContainerConfig{
		Image:   integrationImage,
		Command: []string{"sleep", "60"},
		Labels:  map[string]string{"shipyard.test": "integration"},
	}, nil, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 30*time.Second)
}
