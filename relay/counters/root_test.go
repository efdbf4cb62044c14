// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package counters

import (
	"fmt"
	"testing"

	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
)

func TestSnapshot(t *testing.T) {
	c := New()
	c.PktsIn.Add(10)
	c.BytesIn.Add(1000)
	c.DroppedDecode.Add(2)

	got := c.Snapshot()
	expected := Snapshot{
		PktsIn:        10,
		BytesIn:       1000,
		DroppedDecode: 2,
	}
	if diff := helpers.Diff(got, expected); diff != "" {
		t.Fatalf("Snapshot() (-got, +want):\n%s", diff)
	}
}

func TestErrorRing(t *testing.T) {
	c := New()
	if got := c.LastErrors(); len(got) != 0 {
		t.Fatalf("LastErrors() on empty ring: %v", got)
	}

	for i := 0; i < 15; i++ {
		c.RecordError(KindDecode, fmt.Sprintf("error %d", i))
	}
	got := c.LastErrors()
	if len(got) != 10 {
		t.Fatalf("LastErrors() returned %d events, expected 10", len(got))
	}
	if got[0].Message != "error 14" || got[9].Message != "error 5" {
		t.Fatalf("LastErrors() order: first %q, last %q", got[0].Message, got[9].Message)
	}
	if got[0].Kind != KindDecode {
		t.Fatalf("LastErrors() kind: %q", got[0].Kind)
	}
}

func TestRegister(t *testing.T) {
	r := reporter.NewMock(t)
	c := New()
	c.Register(r)
	c.PktsIn.Add(42)

	gotMetrics := r.GetMetrics("nfrelay_relay_counters_", "packets_in_total")
	expectedMetrics := map[string]string{
		"packets_in_total": "42",
	}
	if diff := helpers.Diff(gotMetrics, expectedMetrics); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}
