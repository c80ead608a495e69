// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/log"
)

type stageName string

func (s stageName) String() string { return "stage:" + string(s) }

func decodeLast(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestTemporalLogAdapter_Levels(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewTemporalLogAdapter(zerolog.New(&buf).Level(zerolog.DebugLevel))

	adapter.Debug("d")
	assert.Equal(t, "debug", decodeLast(t, &buf)["level"])
	adapter.Info("i")
	assert.Equal(t, "info", decodeLast(t, &buf)["level"])
	adapter.Warn("w")
	assert.Equal(t, "warn", decodeLast(t, &buf)["level"])
	adapter.Error("e")
	entry := decodeLast(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "e", entry["message"])
}

func TestTemporalLogAdapter_Keyvals(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewTemporalLogAdapter(zerolog.New(&buf))

	adapter.Info("advance",
		"RunID", "r-1",
		"Attempt", int32(1),
		"Index", 3,
		"Elapsed", 2*time.Second,
		"Done", false,
		"Stage", stageName("build"),
		"Cause", errors.New("boom"),
		"dangling",
	)

	entry := decodeLast(t, &buf)
	assert.Equal(t, "r-1", entry["RunID"])
	assert.EqualValues(t, 1, entry["Attempt"])
	assert.EqualValues(t, 3, entry["Index"])
	assert.EqualValues(t, 2000, entry["Elapsed"])
	assert.Equal(t, false, entry["Done"])
	assert.Equal(t, "stage:build", entry["Stage"])
	assert.Equal(t, "boom", entry["Cause"])
	assert.NotContains(t, entry, "dangling")
}

func TestTemporalLogAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	base := NewTemporalLogAdapter(zerolog.New(&buf))
	withLogger, ok := base.(log.WithLogger)
	require.True(t, ok)

	child := withLogger.With("WorkflowID", "run-abc", "odd")
	child.Info("child")
	entry := decodeLast(t, &buf)
	assert.Equal(t, "run-abc", entry["WorkflowID"])

	base.Info("parent")
	entry = decodeLast(t, &buf)
	assert.NotContains(t, entry, "WorkflowID")
}
