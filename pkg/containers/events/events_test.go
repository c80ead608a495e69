// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestEvent_Describe(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{
			event: Event{Type: ContainerCreated, Name: "run-1-install", ContainerID: "0123456789abcdef", Image: "node:20"},
			want:  "container run-1-install (0123456789ab) created from node:20",
		},
		{
			event: Event{Type: ContainerStarted, Name: "run-1-install"},
			want:  "container run-1-install started",
		},
		{
			event: Event{Type: ContainerExited, Name: "run-1-test", ExitCode: 1},
			want:  "container run-1-test exited with code 1",
		},
		{
			event: Event{Type: ContainerFailed, Name: "run-1-test", Operation: "start", Error: "no such image"},
			want:  "container run-1-test: start failed: no such image",
		},
		{
			event: Event{Type: ContainerRemoved, Name: "run-1-test"},
			want:  "container run-1-test removed",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.event.Type), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Describe())
		})
	}
}

func TestPublisherFunc(t *testing.T) {
	var got []EventType
	var p Publisher = PublisherFunc(func(e Event) error {
		got = append(got, e.Type)
		return nil
	})

	assert.NoError(t, p.Publish(Event{Type: ContainerStarted}))
	assert.NoError(t, p.Publish(Event{Type: ContainerExited}))
	assert.Equal(t, []EventType{ContainerStarted, ContainerExited}, got)
}

func TestMockPublisher(t *testing.T) {
	m := &MockPublisher{}
	m.On("Publish", mock.MatchedBy(func(e Event) bool { return e.Type == ContainerKilled })).Return(errors.New("closed"))

	err := m.Publish(Event{Type: ContainerKilled})

	assert.EqualError(t, err, "closed")
	m.AssertExpectations(t)
}
