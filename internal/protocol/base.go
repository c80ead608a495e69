// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the events the orchestrator publishes about runs.
package protocol

// CurrentProtocolVersion is bumped on breaking changes to event payloads.
const CurrentProtocolVersion = "v1.0.0"

// Metadata is carried by every published event.
type Metadata struct {
	// RunID correlates the event with a run. Empty for process-level events.
	RunID string `json:"run_id,omitempty"`

	// IdempotencyKey lets consumers drop duplicates, for example when a
	// Temporal activity is replayed. Events without a key are always delivered.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version is the protocol version, "v{major}.{minor}.{patch}".
	Version string `json:"version"`
}

// Event is anything the orchestrator publishes to subscribers.
type Event interface {
	GetMetadata() Metadata
}

// GetIdempotencyKey extracts the idempotency key from any event.
func GetIdempotencyKey(event Event) string {
	return event.GetMetadata().IdempotencyKey
}
