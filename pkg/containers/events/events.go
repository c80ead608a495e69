// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"fmt"
	"time"
)

// EventType defines the type of container event
type EventType string

const (
	ContainerCreated EventType = "container.created"
	ContainerStarted EventType = "container.started"
	ContainerExited  EventType = "container.exited"
	ContainerKilled  EventType = "container.killed"
	ContainerRemoved EventType = "container.removed"
	ContainerFailed  EventType = "container.failed"
)

// Event represents a container lifecycle event
type Event struct {
	Type        EventType `json:"type"`
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	Image       string    `json:"image,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	Operation   string    `json:"operation,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Describe renders the event as a single human-readable line.
func (e Event) Describe() string {
	id := e.ContainerID
	if len(id) > 12 {
		id = id[:12]
	}
	switch e.Type {
	case ContainerCreated:
		return fmt.Sprintf("container %s (%s) created from %s", e.Name, id, e.Image)
	case ContainerExited:
		return fmt.Sprintf("container %s exited with code %d", e.Name, e.ExitCode)
	case ContainerFailed:
		return fmt.Sprintf("container %s: %s failed: %s", e.Name, e.Operation, e.Error)
	default:
		return fmt.Sprintf("container %s %s", e.Name, e.Type[len("container."):])
	}
}

// Publisher defines the interface for publishing container events
type Publisher interface {
	Publish(event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event) error

func (f PublisherFunc) Publish(e Event) error { return f(e) }
