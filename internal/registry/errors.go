// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// ErrorType categorizes registry failures.
type ErrorType string

const (
	ErrTypeAuthentication ErrorType = "AUTHENTICATION"
	ErrTypePermission     ErrorType = "PERMISSION"
	ErrTypeNotFound       ErrorType = "NOT_FOUND"
	ErrTypeNetwork        ErrorType = "NETWORK"
	ErrTypeInvalidRef     ErrorType = "INVALID_REFERENCE"
	ErrTypeUnknown        ErrorType = "UNKNOWN"
)

// Error wraps a registry failure with its category.
type Error struct {
	Type      ErrorType
	Operation string
	Reference string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsAuthError reports whether err means the credentials were rejected or
// lack the rights for the operation.
func IsAuthError(err error) bool {
	var regErr *Error
	if !errors.As(err, &regErr) {
		return false
	}
	return regErr.Type == ErrTypeAuthentication || regErr.Type == ErrTypePermission
}

// ClassifyRegistryError wraps err with a category. Errors that are already
// classified are returned unchanged.
func ClassifyRegistryError(err error, ref, operation string) error {
	if err == nil {
		return nil
	}

	var regErr *Error
	if errors.As(err, &regErr) {
		return err
	}

	newErr := func(t ErrorType, msg string) *Error {
		return &Error{Type: t, Operation: operation, Reference: ref, Message: msg, Cause: err}
	}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return classifyStatus(transportErr.StatusCode, newErr, ref, operation)
	}

	var nameErr *name.ErrBadName
	if errors.As(err, &nameErr) {
		return newErr(ErrTypeInvalidRef, fmt.Sprintf("invalid registry reference %q", ref))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newErr(ErrTypeNetwork, fmt.Sprintf("connection to registry timed out during %s of %s", operation, ref))
		}
		return newErr(ErrTypeNetwork, fmt.Sprintf("network error during %s of %s", operation, ref))
	}

	// Daemon-side errors only carry text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authentication required"),
		strings.Contains(msg, "incorrect username or password"):
		return newErr(ErrTypeAuthentication, fmt.Sprintf("authentication failed for %s", ref))
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "denied"):
		return newErr(ErrTypePermission, fmt.Sprintf("permission denied for %s", ref))
	case strings.Contains(msg, "not found"), strings.Contains(msg, "manifest unknown"), strings.Contains(msg, "no such image"):
		return newErr(ErrTypeNotFound, fmt.Sprintf("%s not found", ref))
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "i/o timeout"):
		return newErr(ErrTypeNetwork, fmt.Sprintf("registry unreachable during %s of %s", operation, ref))
	}

	return newErr(ErrTypeUnknown, fmt.Sprintf("registry %s failed for %s", operation, ref))
}

func classifyStatus(code int, newErr func(ErrorType, string) *Error, ref, operation string) error {
	switch code {
	case http.StatusUnauthorized:
		return newErr(ErrTypeAuthentication, fmt.Sprintf("authentication required for %s", ref))
	case http.StatusForbidden:
		return newErr(ErrTypePermission, fmt.Sprintf("access forbidden to %s", ref))
	case http.StatusNotFound:
		return newErr(ErrTypeNotFound, fmt.Sprintf("repository or tag not found: %s", ref))
	case http.StatusTooManyRequests:
		return newErr(ErrTypeNetwork, "registry rate limit exceeded")
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return newErr(ErrTypeNetwork, fmt.Sprintf("registry server error %d during %s", code, operation))
	default:
		return newErr(ErrTypeUnknown, fmt.Sprintf("registry HTTP error %d during %s", code, operation))
	}
}
