// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateContainerLabels(t *testing.T) {
	tests := []struct {
		name          string
		labels        map[string]string
		errorContains string
	}{
		{
			name: "valid labels",
			labels: map[string]string{
				"shipyard.run-id": "7c1f",
				"shipyard.stage":  "install",
			},
		},
		{
			name:          "uppercase key",
			labels:        map[string]string{"INVALID.KEY": "value"},
			errorContains: "must be a valid DNS subdomain",
		},
		{
			name:          "key with spaces",
			labels:        map[string]string{"invalid key": "value"},
			errorContains: "must be a valid DNS subdomain",
		},
		{
			name:          "null byte in value",
			labels:        map[string]string{"valid.key": "a\x00b"},
			errorContains: "contains null bytes",
		},
		{
			name:          "segment too long",
			labels:        map[string]string{strings.Repeat("a", 64) + ".b": "v"},
			errorContains: "63 character limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContainerLabels(tt.labels)
			if tt.errorContains == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errorContains)
		})
	}
}

func TestValidateEnvironmentVariables(t *testing.T) {
	tests := []struct {
		name          string
		env           map[string]string
		errorContains string
	}{
		{
			name: "valid",
			env:  map[string]string{"CI": "true", "npm_config_cache": "/tmp/npm", "NODE_OPTIONS": "--max-old-space-size=2048"},
		},
		{
			name:          "starts with digit",
			env:           map[string]string{"1VAR": "x"},
			errorContains: "must start with a letter or underscore",
		},
		{
			name:          "reserved",
			env:           map[string]string{"PATH": "/evil"},
			errorContains: "reserved environment variable",
		},
		{
			name:          "control characters",
			env:           map[string]string{"VAR": "a\x07b"},
			errorContains: "contains control characters",
		},
		{
			name:          "too long",
			env:           map[string]string{"VAR": strings.Repeat("x", 4097)},
			errorContains: "exceeds maximum length",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvironmentVariables(tt.env)
			if tt.errorContains == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errorContains)
		})
	}
}

func TestValidateImageReference(t *testing.T) {
	valid := []string{"node:20", "repo/app", "repo/app:latest", "localhost:5000/team/app:v1.2.3", "ghcr.io/org/app_x:sha-abc"}
	for _, ref := range valid {
		assert.NoError(t, ValidateImageReference(ref), ref)
	}

	invalid := []string{"", "Repo/App", "repo/app:", "repo//app", "repo/app:tag with space", "repo/app@sha256:abc"}
	for _, ref := range invalid {
		assert.Error(t, ValidateImageReference(ref), ref)
	}
}

func TestValidateContainerName(t *testing.T) {
	assert.NoError(t, ValidateContainerName("shipyard-7c1f-install"))
	assert.Error(t, ValidateContainerName("-leading-dash"))
	assert.Error(t, ValidateContainerName("has/slash"))
	assert.Error(t, ValidateContainerName(strings.Repeat("a", 129)))
}

func TestValidationErrors_Error(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())

	one := ValidationErrors{{Field: "a", Message: "bad"}}
	assert.Equal(t, "validation error for a: bad", one.Error())

	two := ValidationErrors{{Field: "a", Message: "bad"}, {Field: "b", Message: "worse"}}
	assert.Equal(t, "multiple validation errors: validation error for a: bad; validation error for b: worse", two.Error())

	var target ValidationErrors
	assert.True(t, errors.As(error(two), &target))
}
