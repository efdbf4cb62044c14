// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package enricher extracts AS numbers from decoded flow records and
// optionally completes them through an external lookup. It also keeps
// the per-AS traffic sketch used by the statistics interface.
package enricher

import (
	"context"
	"encoding/binary"
	"net/netip"

	"nfrelay/common/daemon"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder"
)

// Direction tells whether an AS number was seen as source or destination.
type Direction uint8

// Directions.
const (
	DirectionSource Direction = iota
	DirectionDestination
)

func (d Direction) String() string {
	if d == DirectionDestination {
		return "destination"
	}
	return "source"
}

// Component represents the enricher.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	config Configuration

	top *topAS

	metrics struct {
		lookups        *reporter.CounterVec
		lookupTimeouts *reporter.CounterVec
		countries      *reporter.CounterVec
	}
}

// Dependencies define the dependencies of the enricher. The lookup
// collaborators may be nil, in which case the corresponding
// enrichment is skipped.
type Dependencies struct {
	Daemon   daemon.Component
	Counters *counters.Counters
	AS       ASLookup
	GeoIP    GeoIPLookup
	RDNS     RDNSLookup
}

// New creates a new enricher.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	c := Component{
		r:      r,
		d:      &dependencies,
		config: configuration,
		top:    newTopAS(configuration.TopK),
	}
	c.metrics.lookups = r.CounterVec(
		reporter.CounterOpts{
			Name: "lookups_total",
			Help: "External lookups, by collaborator and outcome.",
		},
		[]string{"collaborator", "outcome"},
	)
	c.metrics.lookupTimeouts = r.CounterVec(
		reporter.CounterOpts{
			Name: "lookup_timeouts_total",
			Help: "External lookups that exceeded their deadline.",
		},
		[]string{"collaborator"},
	)
	c.metrics.countries = r.CounterVec(
		reporter.CounterOpts{
			Name: "countries_total",
			Help: "Flow records by country of the source address.",
		},
		[]string{"country"},
	)
	return &c, nil
}

// Process extracts AS information from the decoded records of one
// datagram, enriching the record view (and, when configured, the wire
// bytes) with looked-up AS numbers.
func (c *Component) Process(d *decoder.Datagram, result *decoder.Result) {
	for i := range result.Records {
		record := &result.Records[i]
		if record.Options {
			continue
		}
		c.processRecord(d, record)
	}
}

func (c *Component) processRecord(d *decoder.Datagram, record *decoder.Record) {
	if c.config.ASExtraction {
		if record.SrcAS == 0 && record.SrcAddr.IsValid() {
			if as, ok := c.lookupAS(record.SrcAddr); ok {
				record.SrcAS = as
				c.d.Counters.RecordsEnriched.Add(1)
				c.rewrite(d, record, record.SrcASField, as)
			}
		}
		if record.DstAS == 0 && record.DstAddr.IsValid() {
			if as, ok := c.lookupAS(record.DstAddr); ok {
				record.DstAS = as
				c.d.Counters.RecordsEnriched.Add(1)
				c.rewrite(d, record, record.DstASField, as)
			}
		}
	}

	if record.SrcAS != 0 && record.DstAS != 0 {
		c.d.Counters.RecordsWithAS.Add(1)
	}
	if record.SrcAS != 0 {
		c.top.Add(DirectionSource, record.SrcAS)
	}
	if record.DstAS != 0 {
		c.top.Add(DirectionDestination, record.DstAS)
	}

	if c.config.GeoIPEnabled && c.d.GeoIP != nil && record.SrcAddr.IsValid() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.LookupTimeout)
		country, err := c.d.GeoIP.LookupCountry(ctx, record.SrcAddr)
		cancel()
		switch {
		case ctx.Err() != nil:
			c.metrics.lookupTimeouts.WithLabelValues("geoip").Inc()
		case err != nil || country == "":
			c.metrics.lookups.WithLabelValues("geoip", "miss").Inc()
		default:
			c.metrics.lookups.WithLabelValues("geoip", "hit").Inc()
			c.metrics.countries.WithLabelValues(country).Inc()
		}
	}
	if c.config.ReverseDNS && c.d.RDNS != nil && record.SrcAddr.IsValid() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.LookupTimeout)
		_, err := c.d.RDNS.LookupAddr(ctx, record.SrcAddr)
		cancel()
		switch {
		case ctx.Err() != nil:
			c.metrics.lookupTimeouts.WithLabelValues("rdns").Inc()
		case err != nil:
			c.metrics.lookups.WithLabelValues("rdns", "miss").Inc()
		default:
			c.metrics.lookups.WithLabelValues("rdns", "hit").Inc()
		}
	}
}

// lookupAS queries the AS collaborator with the configured deadline.
// A miss or a timeout is not an error: the record stays as decoded.
func (c *Component) lookupAS(addr netip.Addr) (uint32, bool) {
	if c.d.AS == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.LookupTimeout)
	defer cancel()
	as, err := c.d.AS.LookupAS(ctx, addr)
	if ctx.Err() != nil {
		c.metrics.lookupTimeouts.WithLabelValues("as").Inc()
		return 0, false
	}
	if err != nil || as == 0 {
		c.metrics.lookups.WithLabelValues("as", "miss").Inc()
		return 0, false
	}
	c.metrics.lookups.WithLabelValues("as", "hit").Inc()
	return as, true
}

// rewrite overwrites an AS field in the datagram payload. Only fields
// with a declared length of at least 4 bytes are rewritten: shorter
// fields cannot carry a 32-bit AS number and the datagram length must
// not change.
func (c *Component) rewrite(d *decoder.Datagram, record *decoder.Record, fieldIndex int, as uint32) {
	if !c.config.EnrichInPlace || fieldIndex < 0 {
		return
	}
	field := record.Fields[fieldIndex]
	if field.Length < 4 {
		return
	}
	binary.BigEndian.PutUint32(d.Payload[field.Offset:], as)
	c.d.Counters.ASRewritten.Add(1)
}

// TopAS returns the heaviest AS numbers for a direction, sorted by
// descending estimated record count.
func (c *Component) TopAS(direction Direction) []ASCount {
	return c.top.Top(direction)
}
