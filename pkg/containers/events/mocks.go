// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import "github.com/stretchr/testify/mock"

// MockPublisher records container events for stage runner tests.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(event Event) error {
	args := m.Called(event)
	return args.Error(0)
}

// Types lists the types published so far, in order.
func (m *MockPublisher) Types() []EventType {
	var types []EventType
	for _, c := range m.Calls {
		if c.Method != "Publish" {
			continue
		}
		if e, ok := c.Arguments.Get(0).(Event); ok {
			types = append(types, e.Type)
		}
	}
	return types
}
