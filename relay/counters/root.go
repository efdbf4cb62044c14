// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package counters holds the process-wide pipeline counters. They are
// explicitly owned by the relay command and passed by reference into
// components; the statistics server and the Prometheus registry are
// side readers and never block the pipeline.
package counters

import (
	"sync/atomic"

	"nfrelay/common/reporter"
)

// Counters are the process-wide atomic counters of the pipeline.
type Counters struct {
	PktsIn   atomic.Uint64
	BytesIn  atomic.Uint64
	PktsOut  atomic.Uint64
	BytesOut atomic.Uint64

	DroppedQueue   atomic.Uint64
	DroppedDecode  atomic.Uint64
	DroppedOrphan  atomic.Uint64
	DroppedForward atomic.Uint64

	RecordsDecoded  atomic.Uint64
	RecordsWithAS   atomic.Uint64
	RecordsEnriched atomic.Uint64
	ASRewritten     atomic.Uint64

	errors errorRing
}

// New creates a new set of counters.
func New() *Counters {
	return &Counters{}
}

// Snapshot is a consistent-enough copy of the counters for reporting.
type Snapshot struct {
	PktsIn          uint64
	BytesIn         uint64
	PktsOut         uint64
	BytesOut        uint64
	DroppedQueue    uint64
	DroppedDecode   uint64
	DroppedOrphan   uint64
	DroppedForward  uint64
	RecordsDecoded  uint64
	RecordsWithAS   uint64
	RecordsEnriched uint64
	ASRewritten     uint64
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		PktsIn:          c.PktsIn.Load(),
		BytesIn:         c.BytesIn.Load(),
		PktsOut:         c.PktsOut.Load(),
		BytesOut:        c.BytesOut.Load(),
		DroppedQueue:    c.DroppedQueue.Load(),
		DroppedDecode:   c.DroppedDecode.Load(),
		DroppedOrphan:   c.DroppedOrphan.Load(),
		DroppedForward:  c.DroppedForward.Load(),
		RecordsDecoded:  c.RecordsDecoded.Load(),
		RecordsWithAS:   c.RecordsWithAS.Load(),
		RecordsEnriched: c.RecordsEnriched.Load(),
		ASRewritten:     c.ASRewritten.Load(),
	}
}

// Register exposes the counters on the Prometheus registry.
func (c *Counters) Register(r *reporter.Reporter) {
	for _, metric := range []struct {
		name  string
		help  string
		value *atomic.Uint64
	}{
		{"packets_in_total", "Datagrams received.", &c.PktsIn},
		{"bytes_in_total", "Bytes received.", &c.BytesIn},
		{"packets_out_total", "Datagrams sent to collectors.", &c.PktsOut},
		{"bytes_out_total", "Bytes sent to collectors.", &c.BytesOut},
		{"packets_dropped_queue_total", "Datagrams dropped on queue overflow.", &c.DroppedQueue},
		{"packets_dropped_decode_total", "Datagrams dropped on decode error.", &c.DroppedDecode},
		{"sets_dropped_orphan_template_total", "Data sets dropped for lack of a template.", &c.DroppedOrphan},
		{"packets_dropped_forward_total", "Per-collector send failures.", &c.DroppedForward},
		{"records_decoded_total", "Flow records decoded.", &c.RecordsDecoded},
		{"records_with_as_total", "Flow records carrying both AS numbers.", &c.RecordsWithAS},
		{"records_enriched_total", "Flow records enriched with a looked-up AS.", &c.RecordsEnriched},
		{"as_rewritten_total", "AS fields rewritten on the wire.", &c.ASRewritten},
	} {
		value := metric.value
		r.CounterFunc(reporter.CounterOpts{
			Name: metric.name,
			Help: metric.help,
		}, func() float64 { return float64(value.Load()) })
	}
}
