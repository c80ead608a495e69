// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/noldarim/shipyard/pkg/containers/models"
)

// MockClient is a mock implementation of ClientInterface
type MockClient struct {
	mock.Mock
}

var _ ClientInterface = (*MockClient)(nil)

func (m *MockClient) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	args := m.Called(ctx, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Container), args.Error(1)
}

func (m *MockClient) StartContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockClient) WaitContainer(ctx context.Context, containerID string) (int, error) {
	args := m.Called(ctx, containerID)
	return args.Int(0), args.Error(1)
}

// StreamLogs writes the configured stdout and stderr strings before
// returning the configured error.
func (m *MockClient) StreamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	args := m.Called(ctx, containerID, stdout, stderr)
	if s, ok := args.Get(0).(string); ok && s != "" {
		_, _ = io.WriteString(stdout, s)
	}
	if s, ok := args.Get(1).(string); ok && s != "" {
		_, _ = io.WriteString(stderr, s)
	}
	return args.Error(2)
}

func (m *MockClient) KillContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	args := m.Called(ctx, containerID, force)
	return args.Error(0)
}

func (m *MockClient) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error) {
	args := m.Called(ctx, labels)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Container), args.Error(1)
}

func (m *MockClient) BuildImage(ctx context.Context, config models.BuildConfig, out io.Writer) (*models.BuildResult, error) {
	args := m.Called(ctx, config, out)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BuildResult), args.Error(1)
}

func (m *MockClient) TagImage(ctx context.Context, source, target string) error {
	args := m.Called(ctx, source, target)
	return args.Error(0)
}

func (m *MockClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) RegistryLogin(ctx context.Context, auth models.RegistryAuth) error {
	args := m.Called(ctx, auth)
	return args.Error(0)
}

func (m *MockClient) PushImage(ctx context.Context, ref string, auth models.RegistryAuth, out io.Writer) (string, error) {
	args := m.Called(ctx, ref, auth, out)
	return args.String(0), args.Error(1)
}

func (m *MockClient) SaveImage(ctx context.Context, ref string, dst io.Writer) error {
	args := m.Called(ctx, ref, dst)
	return args.Error(0)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
