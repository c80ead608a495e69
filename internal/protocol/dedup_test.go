// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeduplicator(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := NewDeduplicator(time.Minute)
	d.now = func() time.Time { return now }

	ev := RunLifecycleEvent{
		Metadata: Metadata{RunID: "r1", IdempotencyKey: IdempotencyKeyFor("r1", RunStageStarted, 0)},
		Type:     RunStageStarted,
		RunID:    "r1",
	}
	assert.True(t, d.ShouldProcess(ev))
	assert.False(t, d.ShouldProcess(ev), "same key within the TTL")

	other := ev
	other.Metadata.IdempotencyKey = IdempotencyKeyFor("r1", RunStageSucceeded, 0)
	assert.True(t, d.ShouldProcess(other))

	keyless := ErrorEvent{Message: "boom"}
	assert.True(t, d.ShouldProcess(keyless))
	assert.True(t, d.ShouldProcess(keyless), "events without a key are never dropped")

	now = now.Add(2 * time.Minute)
	assert.True(t, d.ShouldProcess(ev), "expired keys are forgotten")
	assert.Equal(t, 1, d.Len(), "sweep removed the other expired key")
}
