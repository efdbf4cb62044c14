// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !release

package daemon

import (
	"testing"

	"gopkg.in/tomb.v2"
)

// MockComponent is a daemon component that does nothing. It cannot
// terminate the program.
type MockComponent struct {
	lifecycleComponent
}

// NewMock creates a new mock daemon component.
func NewMock(t *testing.T) *MockComponent {
	t.Helper()
	return &MockComponent{
		lifecycleComponent: lifecycleComponent{
			terminateChannel: make(chan struct{}),
		},
	}
}

// Start does nothing.
func (c *MockComponent) Start() error { return nil }

// Stop does nothing.
func (c *MockComponent) Stop() error { return nil }

// Track does nothing.
func (c *MockComponent) Track(t *tomb.Tomb, who string) {}
