// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
name: web-app
description: Node service
trigger:
  branch: release
stages:
  - name: checkout
    kind: checkout
  - name: deps
    kind: install
    command: [npm, ci]
    image: node:20
    timeout: 10m
  - name: unit
    kind: test
    command: [npm, test]
    env:
      CI: "true"
  - name: login
    kind: authenticate
  - name: image
    kind: build
    dockerfile: Dockerfile
    context: .
    repository: registry.local:5000/team/web
    build_args:
      NODE_ENV: production
  - name: push
    kind: publish
    tag: stable
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	assert.Equal(t, "web-app", def.Name)
	assert.Equal(t, "release", def.TriggerBranch())
	require.Len(t, def.Stages, 6)
	assert.Equal(t, KindInstallStage, def.Stages[1].Kind)
	assert.Equal(t, []string{"npm", "ci"}, def.Stages[1].Command)
	assert.Equal(t, 10*time.Minute, def.Stages[1].Timeout)
	assert.Equal(t, "true", def.Stages[2].Env["CI"])
	assert.Equal(t, "production", def.Stages[4].BuildArgs["NODE_ENV"])
	assert.Equal(t, "stable", def.Stages[5].Tag)
	assert.True(t, def.NeedsRegistry())
}

func TestParseDefinition_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "empty_document",
			yaml:    "",
			wantMsg: "empty document",
		},
		{
			name:    "not_yaml",
			yaml:    "name: [unterminated",
			wantMsg: "failed to parse YAML",
		},
		{
			name:    "missing_stages",
			yaml:    "name: x\n",
			wantMsg: "stages",
		},
		{
			name:    "unknown_kind",
			yaml:    "name: x\nstages:\n  - name: deploy\n    kind: deploy\n",
			wantMsg: "kind",
		},
		{
			name:    "install_without_command",
			yaml:    "name: x\nstages:\n  - name: checkout\n    kind: checkout\n  - name: install\n    kind: install\n",
			wantMsg: "command",
		},
		{
			name:    "bad_timeout",
			yaml:    "name: x\nstages:\n  - name: checkout\n    kind: checkout\n    timeout: soon\n",
			wantMsg: "timeout",
		},
		{
			name:    "unknown_field",
			yaml:    "name: x\nstages:\n  - name: checkout\n    kind: checkout\n    retries: 3\n",
			wantMsg: "retries",
		},
		{
			name:    "publish_before_build",
			yaml:    "name: x\nstages:\n  - name: checkout\n    kind: checkout\n  - name: publish\n    kind: publish\n",
			wantMsg: "requires an earlier build stage",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
		want   string
	}{
		{
			name:   "default_is_valid",
			mutate: func(*Definition) {},
		},
		{
			name:   "duplicate_names",
			mutate: func(d *Definition) { d.Stages[2].Name = "install" },
			want:   "duplicate name",
		},
		{
			name: "second_checkout",
			mutate: func(d *Definition) {
				d.Stages = append(d.Stages, StageSpec{Name: "again", Kind: KindCheckoutStage})
			},
			want: "only one checkout stage",
		},
		{
			name:   "build_without_checkout",
			mutate: func(d *Definition) { d.Stages = d.Stages[3:] },
			want:   "requires an earlier checkout stage",
		},
		{
			name:   "negative_timeout",
			mutate: func(d *Definition) { d.Stages[0].Timeout = -time.Second },
			want:   "must not be negative",
		},
		{
			name:   "no_name",
			mutate: func(d *Definition) { d.Name = "" },
			want:   "name is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := DefaultDefinition()
			tt.mutate(def)
			err := def.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinition), 0o644))

	def, err := LoadDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "web-app", def.Name)

	_, err = LoadDefinitionFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestCompile(t *testing.T) {
	def := DefaultDefinition()
	def.Stages[1].Timeout = 3 * time.Minute

	p, err := Compile(def, &fakeFactory{calls: &callLog{}}, 15*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "build-and-push", p.Name)
	assert.Equal(t, "main", p.TriggerBranch)
	assert.Equal(t, []string{"checkout", "install", "test", "build", "publish"}, p.StageNames())
	assert.Equal(t, 15*time.Minute, p.Stages[0].Timeout)
	assert.Equal(t, 3*time.Minute, p.Stages[1].Timeout)
	assert.Equal(t, 15*time.Minute, p.MaxTimeout())
}

func TestPipelineAccepts(t *testing.T) {
	p, err := Compile(DefaultDefinition(), &fakeFactory{calls: &callLog{}}, time.Minute)
	require.NoError(t, err)

	assert.NoError(t, p.Accepts(TriggerEvent{Branch: "main", Commit: "abc123"}))
	for _, ev := range []TriggerEvent{
		{Branch: "feature-x", Commit: "def456"},
		{Branch: "Main", Commit: "abc123"},
		{Branch: "", Commit: "abc123"},
		{Branch: "main", Commit: ""},
	} {
		err := p.Accepts(ev)
		assert.ErrorIs(t, err, ErrInvalidEvent, "%+v", ev)
	}
}
