// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package netflow handles NetFlow v9 and IPFIX decoding. Both dialects
// share the same inner frame: a sequence of sets carrying template
// records or data records. Data records are not self-describing and
// can only be decoded once their template has been observed from the
// same exporter; the decoder consults and feeds the template cache.
package netflow

import (
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nfrelay/common/reporter"
	"nfrelay/relay/templates"
)

// Decoder contains the state for the NetFlow v9/IPFIX decoder.
type Decoder struct {
	r         *reporter.Reporter
	d         Dependencies
	errLogger reporter.Logger

	// Rate-limited logging of unknown template IDs, per exporter.
	orphanLock     sync.Mutex
	orphanLimiters map[netip.Addr]*rate.Limiter

	metrics struct {
		packets   *reporter.CounterVec
		sets      *reporter.CounterVec
		records   *reporter.CounterVec
		templates *reporter.CounterVec
		errors    *reporter.CounterVec
	}
}

// Dependencies are the dependencies of the NetFlow decoder.
type Dependencies struct {
	Templates *templates.Component
}

// New instantiates a new NetFlow v9/IPFIX decoder.
func New(r *reporter.Reporter, dependencies Dependencies) *Decoder {
	nd := &Decoder{
		r:              r,
		d:              dependencies,
		errLogger:      r.Sample(reporter.BurstSampler(30*time.Second, 3)),
		orphanLimiters: map[netip.Addr]*rate.Limiter{},
	}

	nd.metrics.packets = nd.r.CounterVec(
		reporter.CounterOpts{
			Name: "packets_total",
			Help: "Decoded packets.",
		},
		[]string{"exporter", "version"},
	)
	nd.metrics.sets = nd.r.CounterVec(
		reporter.CounterOpts{
			Name: "sets_total",
			Help: "Decoded sets.",
		},
		[]string{"exporter", "version", "type"},
	)
	nd.metrics.records = nd.r.CounterVec(
		reporter.CounterOpts{
			Name: "records_total",
			Help: "Decoded data records.",
		},
		[]string{"exporter", "version"},
	)
	nd.metrics.templates = nd.r.CounterVec(
		reporter.CounterOpts{
			Name: "templates_total",
			Help: "Installed template records.",
		},
		[]string{"exporter", "version", "obs_domain_id", "template_id", "type"},
	)
	nd.metrics.errors = nd.r.CounterVec(
		reporter.CounterOpts{
			Name: "errors_total",
			Help: "Decoding errors.",
		},
		[]string{"exporter", "error"},
	)

	return nd
}

// Name returns the name of the decoder.
func (nd *Decoder) Name() string {
	return "netflow"
}

// logOrphan logs the first occurrence of an unknown template ID for an
// exporter, rate-limited to one message per minute per exporter.
func (nd *Decoder) logOrphan(exporter netip.Addr, sourceID uint32, setID uint16) {
	nd.orphanLock.Lock()
	limiter, ok := nd.orphanLimiters[exporter]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute), 1)
		nd.orphanLimiters[exporter] = limiter
	}
	nd.orphanLock.Unlock()
	if limiter.Allow() {
		nd.r.Warn().
			Str("exporter", exporter.String()).
			Uint32("obs_domain_id", sourceID).
			Uint16("template_id", setID).
			Msg("data set without a matching template")
	}
}

func (nd *Decoder) countSet(exporter, version, setType string) {
	nd.metrics.sets.WithLabelValues(exporter, version, setType).Inc()
}

func versionString(version uint16) string {
	return strconv.Itoa(int(version))
}
