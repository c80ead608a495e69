// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ContainerStatus represents the current state of a container
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusFailed  ContainerStatus = "failed"
	StatusRemoved ContainerStatus = "removed"
)

// Container is a short-lived container running one stage command
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    ContainerStatus   `json:"status"`
	ExitCode  int               `json:"exit_code"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// VolumeMapping defines volume mount configuration
type VolumeMapping struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// Bind renders the mapping in docker's host:container[:ro] form.
func (v VolumeMapping) Bind() string {
	bind := v.HostPath + ":" + v.ContainerPath
	if v.ReadOnly {
		bind += ":ro"
	}
	return bind
}

// ContainerConfig holds configuration for creating a container
type ContainerConfig struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []VolumeMapping   `json:"volumes,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	MemoryMB    int64             `json:"memory_mb,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
}

// EnvList returns Environment as sorted KEY=VALUE pairs.
func (c ContainerConfig) EnvList() []string {
	return EnvList(c.Environment)
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// EnvMap is the inverse of EnvList. Entries without '=' are dropped.
func EnvMap(list []string) map[string]string {
	out := make(map[string]string, len(list))
	for _, kv := range list {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			out[k] = v
		}
	}
	return out
}

// BuildConfig describes an image build from a local directory
type BuildConfig struct {
	ContextDir string            `json:"context_dir"`
	Dockerfile string            `json:"dockerfile"`
	Tags       []string          `json:"tags"`
	BuildArgs  map[string]string `json:"build_args,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	NoCache    bool              `json:"no_cache,omitempty"`
}

// BuildResult holds the outcome of an image build
type BuildResult struct {
	ImageID string   `json:"image_id"`
	Tags    []string `json:"tags"`
}

// RegistryAuth holds credentials for one registry. It never prints the password.
type RegistryAuth struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"-"`
}

func (a RegistryAuth) String() string {
	return fmt.Sprintf("RegistryAuth{server=%s user=%s}", a.Server, a.Username)
}

// IsZero reports whether no credentials are set.
func (a RegistryAuth) IsZero() bool {
	return a.Username == "" && a.Password == ""
}
