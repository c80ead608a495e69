// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyRegistryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
		auth bool
	}{
		{"401", &transport.Error{StatusCode: http.StatusUnauthorized}, ErrTypeAuthentication, true},
		{"403", &transport.Error{StatusCode: http.StatusForbidden}, ErrTypePermission, true},
		{"404", &transport.Error{StatusCode: http.StatusNotFound}, ErrTypeNotFound, false},
		{"429", &transport.Error{StatusCode: http.StatusTooManyRequests}, ErrTypeNetwork, false},
		{"503", &transport.Error{StatusCode: http.StatusServiceUnavailable}, ErrTypeNetwork, false},
		{"418", &transport.Error{StatusCode: http.StatusTeapot}, ErrTypeUnknown, false},
		{"wrapped 401", fmt.Errorf("check push: %w", &transport.Error{StatusCode: http.StatusUnauthorized}), ErrTypeAuthentication, true},
		{"timeout", timeoutErr{}, ErrTypeNetwork, false},
		{"daemon unauthorized", errors.New("unauthorized: authentication required"), ErrTypeAuthentication, true},
		{"daemon denied", errors.New("denied: requested access to the resource is denied"), ErrTypePermission, true},
		{"daemon missing", errors.New("An image does not exist locally with the tag: repo/app"), ErrTypeUnknown, false},
		{"no such image", errors.New("Error: No such image: repo/app:latest"), ErrTypeNotFound, false},
		{"refused", errors.New("dial tcp 127.0.0.1:5000: connect: connection refused"), ErrTypeNetwork, false},
		{"other", errors.New("boom"), ErrTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyRegistryError(tt.err, "repo/app:latest", "push")
			var regErr *Error
			require.ErrorAs(t, err, &regErr)
			assert.Equal(t, tt.want, regErr.Type)
			assert.Equal(t, tt.auth, IsAuthError(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyRegistryError_NilAndAlreadyClassified(t *testing.T) {
	assert.NoError(t, ClassifyRegistryError(nil, "x", "push"))

	orig := &Error{Type: ErrTypePermission, Message: "nope"}
	assert.Same(t, orig, ClassifyRegistryError(orig, "x", "push"))
}

func TestIsAuthError_Unclassified(t *testing.T) {
	assert.False(t, IsAuthError(errors.New("unauthorized")))
	assert.False(t, IsAuthError(nil))
}
