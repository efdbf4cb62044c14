// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !release

package templates

import (
	"testing"

	"github.com/benbjohnson/clock"

	"nfrelay/common/daemon"
	"nfrelay/common/reporter"
)

// NewMock creates a template cache for tests, using the provided
// clock. The janitor is not started.
func NewMock(t *testing.T, r *reporter.Reporter, clk clock.Clock) *Component {
	t.Helper()
	c, err := New(r, DefaultConfiguration(), Dependencies{
		Daemon: daemon.NewMock(t),
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	return c
}
