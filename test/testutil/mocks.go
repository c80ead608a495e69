// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/protocol"
)

// StubFactory binds every stage to an executor that logs "<name> ok" and
// succeeds, unless the stage is listed in Fail.
type StubFactory struct {
	// Fail maps a stage name to the error its executor returns.
	Fail map[string]error
	// Block holds the named stage until the context is done.
	Block string
}

func (f StubFactory) NewExecutor(spec pipeline.StageSpec) (pipeline.Executor, error) {
	return pipeline.ExecutorFunc(func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Outcome, error) {
		if spec.Name == f.Block {
			<-ctx.Done()
			return pipeline.Outcome{}, ctx.Err()
		}
		if err, ok := f.Fail[spec.Name]; ok {
			sc.Log.Printf("%s failed", spec.Name)
			return pipeline.Outcome{}, err
		}
		sc.Log.Printf("%s ok", spec.Name)
		switch spec.Kind {
		case pipeline.KindCheckoutStage:
			return pipeline.Outcome{SourcePath: "/work/" + sc.RunID}, nil
		case pipeline.KindBuildStage:
			return pipeline.Outcome{Artifact: &pipeline.ArtifactReference{Repository: "repo/app", Tag: "latest"}}, nil
		}
		return pipeline.Outcome{}, nil
	}), nil
}

// ParkedDispatcher accepts runs but never drives them.
type ParkedDispatcher struct{}

func (ParkedDispatcher) Dispatch(context.Context, string) error { return nil }
func (ParkedDispatcher) Cancel(context.Context, string) error   { return nil }

// EventCapture collects events sent on its channel.
type EventCapture struct {
	Events []protocol.Event
	ch     chan protocol.Event
	mu     sync.RWMutex
}

// NewEventCapture starts collecting in the background.
func NewEventCapture() *EventCapture {
	c := &EventCapture{ch: make(chan protocol.Event, 256)}
	go func() {
		for ev := range c.ch {
			c.mu.Lock()
			c.Events = append(c.Events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

// Channel returns the send side, for pipeline.Options.Events.
func (c *EventCapture) Channel() chan<- protocol.Event {
	return c.ch
}

// Close stops collecting.
func (c *EventCapture) Close() {
	close(c.ch)
}

// LifecycleTypes returns the lifecycle event types captured for runID, in
// order.
func (c *EventCapture) LifecycleTypes(runID string) []protocol.RunLifecycleType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var types []protocol.RunLifecycleType
	for _, ev := range c.Events {
		if e, ok := ev.(protocol.RunLifecycleEvent); ok && e.RunID == runID {
			types = append(types, e.Type)
		}
	}
	return types
}

// WaitForTerminal waits until a terminal lifecycle event for runID has been
// captured, or timeout passes.
func (c *EventCapture) WaitForTerminal(runID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		types := c.LifecycleTypes(runID)
		if len(types) > 0 && types[len(types)-1].IsTerminal() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
