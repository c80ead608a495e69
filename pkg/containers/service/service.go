// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/noldarim/shipyard/pkg/containers/docker"
	"github.com/noldarim/shipyard/pkg/containers/events"
	"github.com/noldarim/shipyard/pkg/containers/models"
	"github.com/noldarim/shipyard/pkg/containers/validation"
)

// LogDrainTimeout bounds how long RunContainer waits for the log stream to
// finish after the container has exited.
const LogDrainTimeout = 5 * time.Second

// Service manages container lifecycle and publishes events
type Service struct {
	client     docker.ClientInterface
	publisher  events.Publisher
	containers map[string]*models.Container
	mutex      sync.RWMutex
}

// NewService creates a new container service using default Docker settings
func NewService(publisher events.Publisher) (*Service, error) {
	return NewServiceWithDockerHost(publisher, "")
}

// NewServiceWithDockerHost creates a new container service with specific Docker host
func NewServiceWithDockerHost(publisher events.Publisher, dockerHost string) (*Service, error) {
	client, err := docker.NewClientWithHost(dockerHost)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewServiceWithClient(client, publisher), nil
}

// NewServiceWithClient creates a new container service with provided client
func NewServiceWithClient(client docker.ClientInterface, publisher events.Publisher) *Service {
	return &Service{
		client:     client,
		publisher:  publisher,
		containers: make(map[string]*models.Container),
	}
}

// Client exposes the underlying Docker client for image operations.
func (s *Service) Client() docker.ClientInterface {
	return s.client
}

// CreateContainer validates config, creates the container and publishes a
// creation event.
func (s *Service) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	if err := validateConfig(config); err != nil {
		s.publishFailedEvent("", config.Name, "create", err)
		return nil, err
	}

	container, err := s.client.CreateContainer(ctx, config)
	if err != nil {
		s.publishFailedEvent("", config.Name, "create", err)
		return nil, err
	}

	s.mutex.Lock()
	s.containers[container.ID] = container
	s.mutex.Unlock()

	s.publishEvent(events.Event{
		Type:        events.ContainerCreated,
		ContainerID: container.ID,
		Name:        container.Name,
		Image:       container.Image,
	})
	return container, nil
}

// StartContainer starts an existing container and publishes start event
func (s *Service) StartContainer(ctx context.Context, containerID string) error {
	container := s.getContainer(containerID)
	if container == nil {
		return fmt.Errorf("container not found: %s", containerID)
	}

	if err := s.client.StartContainer(ctx, containerID); err != nil {
		s.publishFailedEvent(containerID, container.Name, "start", err)
		return err
	}

	s.setStatus(container, models.StatusRunning, 0)
	s.publishEvent(events.Event{
		Type:        events.ContainerStarted,
		ContainerID: containerID,
		Name:        container.Name,
	})
	return nil
}

// KillContainer kills a running container and publishes a kill event
func (s *Service) KillContainer(ctx context.Context, containerID string) error {
	container := s.getContainer(containerID)
	if container == nil {
		return fmt.Errorf("container not found: %s", containerID)
	}

	if err := s.client.KillContainer(ctx, containerID); err != nil {
		s.publishFailedEvent(containerID, container.Name, "kill", err)
		return err
	}

	s.setStatus(container, models.StatusExited, -1)
	s.publishEvent(events.Event{
		Type:        events.ContainerKilled,
		ContainerID: containerID,
		Name:        container.Name,
	})
	return nil
}

// RemoveContainer force-removes a container and forgets it
func (s *Service) RemoveContainer(ctx context.Context, containerID string) error {
	name := containerID
	if container := s.getContainer(containerID); container != nil {
		name = container.Name
	}

	if err := s.client.RemoveContainer(ctx, containerID, true); err != nil {
		s.publishFailedEvent(containerID, name, "remove", err)
		return err
	}

	s.mutex.Lock()
	delete(s.containers, containerID)
	s.mutex.Unlock()

	s.publishEvent(events.Event{
		Type:        events.ContainerRemoved,
		ContainerID: containerID,
		Name:        name,
	})
	return nil
}

// RunContainer creates and starts a container, copies its output to stdout
// and stderr, waits for it to exit and removes it. The exit code is returned
// with a nil error whenever the container ran to completion, whatever the
// code. If ctx ends first the container is killed and ctx.Err() is returned.
func (s *Service) RunContainer(ctx context.Context, config models.ContainerConfig, stdout, stderr io.Writer) (int, error) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	container, err := s.CreateContainer(ctx, config)
	if err != nil {
		return -1, err
	}
	// Removal must happen even when ctx is already done.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = s.RemoveContainer(cleanupCtx, container.ID)
	}()

	if err := s.StartContainer(ctx, container.ID); err != nil {
		return -1, err
	}

	logCtx, stopLogs := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLogs()
	logsDone := make(chan error, 1)
	go func() {
		logsDone <- s.client.StreamLogs(logCtx, container.ID, stdout, stderr)
	}()

	exitCode, waitErr := s.client.WaitContainer(ctx, container.ID)
	if ctxErr := ctx.Err(); ctxErr != nil {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		_ = s.KillContainer(killCtx, container.ID)
		cancel()
		stopLogs()
		<-logsDone
		return -1, ctxErr
	}
	if waitErr != nil {
		s.publishFailedEvent(container.ID, container.Name, "wait", waitErr)
		stopLogs()
		<-logsDone
		return -1, waitErr
	}

	select {
	case err := <-logsDone:
		if err != nil {
			stderrLine(stderr, fmt.Sprintf("log stream ended early: %v", err))
		}
	case <-time.After(LogDrainTimeout):
		stopLogs()
		<-logsDone
	}

	s.setStatus(container, models.StatusExited, exitCode)
	s.publishEvent(events.Event{
		Type:        events.ContainerExited,
		ContainerID: container.ID,
		Name:        container.Name,
		ExitCode:    exitCode,
	})
	return exitCode, nil
}

// RemoveByLabels force-removes every container carrying all of labels. It
// is used to clean up after runs that did not finish normally.
func (s *Service) RemoveByLabels(ctx context.Context, labels map[string]string) (int, error) {
	containers, err := s.client.ListContainersByLabels(ctx, labels)
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, c := range containers {
		s.mutex.Lock()
		if _, known := s.containers[c.ID]; !known {
			s.containers[c.ID] = c
		}
		s.mutex.Unlock()

		if err := s.RemoveContainer(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// ListContainers returns the containers this service is tracking
func (s *Service) ListContainers() []*models.Container {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*models.Container, 0, len(s.containers))
	for _, container := range s.containers {
		c := *container
		result = append(result, &c)
	}
	return result
}

// GetContainer returns a copy of a tracked container
func (s *Service) GetContainer(containerID string) (*models.Container, bool) {
	container := s.getContainer(containerID)
	if container == nil {
		return nil, false
	}
	s.mutex.RLock()
	c := *container
	s.mutex.RUnlock()
	return &c, true
}

// Close closes the underlying Docker client
func (s *Service) Close() error {
	return s.client.Close()
}

func validateConfig(config models.ContainerConfig) error {
	var errs []error
	if err := validation.ValidateImageReference(config.Image); err != nil {
		errs = append(errs, err)
	}
	if config.Name != "" {
		if err := validation.ValidateContainerName(config.Name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := validation.ValidateContainerLabels(config.Labels); err != nil {
		errs = append(errs, err)
	}
	if err := validation.ValidateEnvironmentVariables(config.Environment); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func stderrLine(w io.Writer, line string) {
	if w != nil {
		_, _ = io.WriteString(w, line+"\n")
	}
}

func (s *Service) getContainer(containerID string) *models.Container {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.containers[containerID]
}

func (s *Service) setStatus(container *models.Container, status models.ContainerStatus, exitCode int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	container.Status = status
	container.ExitCode = exitCode
	container.UpdatedAt = time.Now()
}

func (s *Service) publishEvent(event events.Event) {
	if s.publisher == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	// Event publishing failures are not propagated
	_ = s.publisher.Publish(event)
}

func (s *Service) publishFailedEvent(containerID, name, operation string, err error) {
	s.publishEvent(events.Event{
		Type:        events.ContainerFailed,
		ContainerID: containerID,
		Name:        name,
		Operation:   operation,
		Error:       err.Error(),
	})
}
