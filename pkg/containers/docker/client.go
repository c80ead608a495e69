// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/noldarim/shipyard/pkg/containers/models"
)

// ClientInterface defines what we need from Docker
type ClientInterface interface {
	CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error)
	StartContainer(ctx context.Context, containerID string) error
	WaitContainer(ctx context.Context, containerID string) (int, error)
	StreamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error
	KillContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error)

	BuildImage(ctx context.Context, config models.BuildConfig, out io.Writer) (*models.BuildResult, error)
	TagImage(ctx context.Context, source, target string) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	RegistryLogin(ctx context.Context, auth models.RegistryAuth) error
	PushImage(ctx context.Context, ref string, auth models.RegistryAuth, out io.Writer) (string, error)
	SaveImage(ctx context.Context, ref string, dst io.Writer) error

	Close() error
}

// Client implements ClientInterface using real Docker
type Client struct {
	docker *client.Client
}

// Compile-time check that Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new Docker client using default environment settings
func NewClient() (*Client, error) {
	return NewClientWithHost("")
}

// NewClientWithHost creates a new Docker client with a specific host
// If dockerHost is empty, uses environment variables (FromEnv)
func NewClientWithHost(dockerHost string) (*Client, error) {
	var opts []client.Opt

	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}

	opts = append(opts, client.WithAPIVersionNegotiation())

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		docker: dockerClient,
	}, nil
}

// CreateContainer creates a new container from the given configuration
func (c *Client) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	binds := make([]string, 0, len(config.Volumes))
	for _, volume := range config.Volumes {
		binds = append(binds, volume.Bind())
	}

	containerConfig := &container.Config{
		Image:      config.Image,
		Env:        config.EnvList(),
		WorkingDir: config.WorkingDir,
		Cmd:        config.Command,
		Labels:     config.Labels,
	}

	hostConfig := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(config.NetworkMode),
		Resources: container.Resources{
			Memory: config.MemoryMB * 1024 * 1024, // Memory is in bytes
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	now := time.Now()
	return &models.Container{
		ID:        resp.ID,
		Name:      config.Name,
		Image:     config.Image,
		Status:    models.StatusCreated,
		Labels:    config.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// StartContainer starts an existing container
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	return c.docker.ContainerStart(ctx, containerID, container.StartOptions{})
}

// WaitContainer blocks until the container stops and returns its exit code
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := c.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// StreamLogs follows the container's output until it exits, demultiplexing
// stdout and stderr.
func (c *Client) StreamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	rc, err := c.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to attach to container logs: %w", err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	return nil
}

// KillContainer sends SIGKILL to a container
func (c *Client) KillContainer(ctx context.Context, containerID string) error {
	err := c.docker.ContainerKill(ctx, containerID, "SIGKILL")
	if err != nil {
		// Container not found is not an error for idempotency
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

// RemoveContainer removes a container
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// ListContainersByLabels lists containers filtered by labels
func (c *Client) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers by labels: %w", err)
	}

	result := make([]*models.Container, 0, len(containers))
	for _, summary := range containers {
		status := models.StatusExited
		if summary.State == "running" {
			status = models.StatusRunning
		}
		name := ""
		if len(summary.Names) > 0 {
			name = strings.TrimPrefix(summary.Names[0], "/")
		}
		result = append(result, &models.Container{
			ID:        summary.ID,
			Name:      name,
			Image:     summary.Image,
			Status:    status,
			Labels:    summary.Labels,
			CreatedAt: time.Unix(summary.Created, 0),
		})
	}
	return result, nil
}

// BuildImage sends the context directory to the daemon and builds it. Build
// output is written to out line by line.
func (c *Client) BuildImage(ctx context.Context, config models.BuildConfig, out io.Writer) (*models.BuildResult, error) {
	buildContext, err := tarDirectory(config.ContextDir)
	if err != nil {
		return nil, fmt.Errorf("failed to package build context: %w", err)
	}

	buildArgs := make(map[string]*string, len(config.BuildArgs))
	for k, v := range config.BuildArgs {
		v := v
		buildArgs[k] = &v
	}

	resp, err := c.docker.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        config.Tags,
		Dockerfile:  config.Dockerfile,
		BuildArgs:   buildArgs,
		Labels:      config.Labels,
		NoCache:     config.NoCache,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	result := &models.BuildResult{Tags: config.Tags}
	aux := func(msg jsonmessage.JSONMessage) {
		var id struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal(*msg.Aux, &id); err == nil && id.ID != "" {
			result.ImageID = id.ID
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, aux); err != nil {
		return nil, fmt.Errorf("image build failed: %w", err)
	}
	return result, nil
}

// TagImage adds target as a name for source
func (c *Client) TagImage(ctx context.Context, source, target string) error {
	if err := c.docker.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("failed to tag %s as %s: %w", source, target, err)
	}
	return nil
}

// ImageExists reports whether ref is present in the local image store
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.docker.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image: %w", err)
	}
	return true, nil
}

// RegistryLogin verifies credentials against a registry
func (c *Client) RegistryLogin(ctx context.Context, auth models.RegistryAuth) error {
	_, err := c.docker.RegistryLogin(ctx, registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.Server,
	})
	if err != nil {
		return fmt.Errorf("registry login failed: %w", err)
	}
	return nil
}

// PushImage pushes ref and returns the manifest digest reported by the daemon
func (c *Client) PushImage(ctx context.Context, ref string, auth models.RegistryAuth, out io.Writer) (string, error) {
	encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.Server,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	rc, err := c.docker.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", fmt.Errorf("failed to start push: %w", err)
	}
	defer rc.Close()

	var digest string
	aux := func(msg jsonmessage.JSONMessage) {
		var pushed struct {
			Digest string `json:"Digest"`
		}
		if err := json.Unmarshal(*msg.Aux, &pushed); err == nil && pushed.Digest != "" {
			digest = pushed.Digest
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(rc, out, 0, false, aux); err != nil {
		return "", fmt.Errorf("push failed: %w", err)
	}
	return digest, nil
}

// SaveImage writes ref as a docker-archive tarball to dst
func (c *Client) SaveImage(ctx context.Context, ref string, dst io.Writer) error {
	rc, err := c.docker.ImageSave(ctx, []string{ref})
	if err != nil {
		return fmt.Errorf("failed to export image: %w", err)
	}
	defer rc.Close()

	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("failed to read exported image: %w", err)
	}
	return nil
}

// Close closes the Docker client connection
func (c *Client) Close() error {
	return c.docker.Close()
}

// tarDirectory streams dir as a tar archive. The .git directory is left out.
func tarDirectory(dir string) (io.Reader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil || rel == "." {
				return err
			}
			if fi.IsDir() && fi.Name() == ".git" {
				return filepath.SkipDir
			}

			link := ""
			if fi.Mode()&os.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			}
			header, err := tar.FileInfoHeader(fi, link)
			if err != nil {
				return err
			}
			header.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			if !fi.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}
