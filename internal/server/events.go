// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes runs over HTTP. Handlers call the orchestrator
// directly; run lifecycle events from the orchestrator's event channel are
// fanned out to WebSocket subscribers.
package server

import (
	"context"
	"sync"

	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/protocol"

	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// EventBroadcaster reads run events and hands them to the client registry.
// An event whose idempotency key was already broadcast is dropped.
type EventBroadcaster struct {
	eventChan <-chan protocol.Event
	clients   *ClientRegistry
	dedup     *protocol.Deduplicator
}

func NewEventBroadcaster(eventChan <-chan protocol.Event, clients *ClientRegistry) *EventBroadcaster {
	return &EventBroadcaster{
		eventChan: eventChan,
		clients:   clients,
		dedup:     protocol.NewDeduplicator(protocol.DefaultDedupTTL),
	}
}

// Run reads events until the channel is closed or ctx is cancelled.
func (b *EventBroadcaster) Run(ctx context.Context) {
	if b.eventChan == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case event, ok := <-b.eventChan:
			if !ok {
				getLog().Info().Msg("Event broadcaster stopped (channel closed)")
				return
			}
			b.dispatch(event)
		case <-ctx.Done():
			getLog().Info().Msg("Event broadcaster stopped (context cancelled)")
			return
		}
	}
}

func (b *EventBroadcaster) dispatch(event protocol.Event) {
	if !b.dedup.ShouldProcess(event) {
		getLog().Debug().Str("idempotency_key", protocol.GetIdempotencyKey(event)).Msg("Dropping duplicate event")
		return
	}
	if b.clients != nil {
		b.clients.Broadcast(event)
	}
}
