// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Docker label keys follow DNS subdomain format.
	labelKeyRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-\.]*[a-z0-9])?$`)

	envVarNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// Container names as accepted by the docker daemon.
	containerNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

	// [registry[:port]/]path[:tag]; digests are not accepted here.
	imageRefRegex = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*(:[0-9]+)?(/[a-z0-9]+([._-][a-z0-9]+)*)*(:[A-Za-z0-9_][A-Za-z0-9_.-]{0,127})?$`)
)

const (
	maxValueLength         = 4096
	maxLabelSegmentLength  = 63
	maxContainerNameLength = 128
)

// Variables the runner sets itself; a stage may not override them.
var reservedEnvVars = map[string]bool{
	"PATH":     true,
	"HOME":     true,
	"HOSTNAME": true,
	"PWD":      true,
	"OLDPWD":   true,
	"SHELL":    true,
	"IFS":      true,
	"USER":     true,
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// ValidateContainerLabels validates a map of container labels
func ValidateContainerLabels(labels map[string]string) error {
	var errs ValidationErrors
	for key, value := range labels {
		field := fmt.Sprintf("label key '%s'", key)
		if !labelKeyRegex.MatchString(key) {
			errs = append(errs, ValidationError{Field: field, Message: "must be a valid DNS subdomain (lowercase letters, numbers, dots, and hyphens only)"})
			continue
		}
		for _, segment := range strings.Split(key, ".") {
			if len(segment) > maxLabelSegmentLength {
				errs = append(errs, ValidationError{Field: field, Message: "segment exceeds 63 character limit"})
				break
			}
		}
		if err := validateStringValue(value, fmt.Sprintf("label value for key '%s'", key)); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateEnvironmentVariables validates a stage's environment
func ValidateEnvironmentVariables(env map[string]string) error {
	var errs ValidationErrors
	for name, value := range env {
		field := fmt.Sprintf("environment variable '%s'", name)
		if !envVarNameRegex.MatchString(name) {
			errs = append(errs, ValidationError{Field: field, Message: "must start with a letter or underscore and contain only letters, numbers, and underscores"})
			continue
		}
		if reservedEnvVars[name] {
			errs = append(errs, ValidationError{Field: field, Message: "is a reserved environment variable name"})
			continue
		}
		if err := validateStringValue(value, fmt.Sprintf("environment variable value for '%s'", name)); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateImageReference checks a repository[:tag] reference
func ValidateImageReference(ref string) error {
	if ref == "" {
		return ValidationError{Field: "image", Message: "cannot be empty"}
	}
	if !imageRefRegex.MatchString(ref) {
		return ValidationError{Field: fmt.Sprintf("image '%s'", ref), Message: "is not a valid repository[:tag] reference"}
	}
	return nil
}

// ValidateContainerName checks a name before it is sent to the daemon
func ValidateContainerName(name string) error {
	if len(name) > maxContainerNameLength {
		return ValidationError{Field: "container name", Message: "exceeds 128 characters"}
	}
	if !containerNameRegex.MatchString(name) {
		return ValidationError{Field: fmt.Sprintf("container name '%s'", name), Message: "may only contain letters, numbers, '_', '.' and '-'"}
	}
	return nil
}

func validateStringValue(value, fieldName string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{Field: fieldName, Message: "contains null bytes"}
	}
	for _, r := range value {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return &ValidationError{Field: fieldName, Message: "contains control characters"}
		}
	}
	if len(value) > maxValueLength {
		return &ValidationError{Field: fieldName, Message: "exceeds maximum length of 4096 characters"}
	}
	return nil
}
