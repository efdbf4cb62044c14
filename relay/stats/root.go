// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package stats exposes a line-oriented TCP statistics interface for
// operators. It is a side reader of the pipeline counters and caches:
// it never blocks the pipeline. Binding to loopback is the security
// boundary; there is no authentication.
package stats

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/tomb.v2"

	"nfrelay/common/daemon"
	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/enricher"
	"nfrelay/relay/templates"
)

// Component represents the statistics server.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	t      tomb.Tomb
	config Configuration

	listener net.Listener
	start    time.Time
	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}

	rates struct {
		mu          sync.Mutex
		initialized bool
		lastIn      uint64
		lastOut     uint64
		inPPS       float64
		outPPS      float64
	}

	metrics struct {
		connections reporter.Counter
		commands    *reporter.CounterVec
	}
}

// Dependencies define the dependencies of the statistics server.
type Dependencies struct {
	Daemon    daemon.Component
	Clock     clock.Clock
	Counters  *counters.Counters
	Templates *templates.Component
	Enricher  *enricher.Component

	// ConfigDump renders the active configuration for the
	// "config" command.
	ConfigDump func() ([]byte, error)
}

// New creates a new statistics server.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	if dependencies.Clock == nil {
		dependencies.Clock = clock.New()
	}
	c := Component{
		r:      r,
		d:      &dependencies,
		config: configuration,
		conns:  make(map[net.Conn]struct{}),
	}
	c.d.Daemon.Track(&c.t, "relay/stats")

	c.metrics.connections = r.Counter(
		reporter.CounterOpts{
			Name: "connections_total",
			Help: "Accepted client connections.",
		})
	c.metrics.commands = r.CounterVec(
		reporter.CounterOpts{
			Name: "commands_total",
			Help: "Commands received from clients.",
		},
		[]string{"command"},
	)
	return &c, nil
}

// LocalAddr returns the address the server is listening to. Only
// valid after Start().
func (c *Component) LocalAddr() net.Addr {
	return c.listener.Addr()
}

// Start binds the TCP socket and starts accepting clients.
func (c *Component) Start() error {
	c.r.Info().Str("listen", c.config.Listen).Msg("starting stats server")
	listener, err := net.Listen("tcp", c.config.Listen)
	if err != nil {
		return helpers.BindError{Err: fmt.Errorf("unable to listen to %v: %w", c.config.Listen, err)}
	}
	c.listener = listener
	c.start = time.Now()

	// Accept loop
	c.t.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				c.r.Err(err).Msg("cannot accept client connection")
				continue
			}
			c.metrics.connections.Inc()
			c.t.Go(func() error {
				c.handleConnection(conn)
				return nil
			})
		}
	})

	// Rate sampler and periodic statistics log
	c.t.Go(func() error {
		ticker := c.d.Clock.Ticker(time.Second)
		defer ticker.Stop()
		ticks := 0
		logEvery := int(c.config.RateInterval / time.Second)
		for {
			select {
			case <-c.t.Dying():
				return nil
			case <-ticker.C:
				c.sampleRates()
				ticks++
				if logEvery > 0 && ticks%logEvery == 0 {
					c.logStats()
				}
			}
		}
	})

	// Watch for termination and close on dying
	c.t.Go(func() error {
		<-c.t.Dying()
		listener.Close()
		c.connsMu.Lock()
		for conn := range c.conns {
			conn.Close()
		}
		c.connsMu.Unlock()
		return nil
	})
	return nil
}

func (c *Component) registerConn(conn net.Conn) {
	c.connsMu.Lock()
	c.conns[conn] = struct{}{}
	c.connsMu.Unlock()
}

func (c *Component) unregisterConn(conn net.Conn) {
	c.connsMu.Lock()
	delete(c.conns, conn)
	c.connsMu.Unlock()
}

// sampleRates feeds the EWMA packet rates with one second of deltas.
func (c *Component) sampleRates() {
	snapshot := c.d.Counters.Snapshot()
	c.rates.mu.Lock()
	defer c.rates.mu.Unlock()
	if !c.rates.initialized {
		c.rates.lastIn = snapshot.PktsIn
		c.rates.lastOut = snapshot.PktsOut
		c.rates.initialized = true
		return
	}
	alpha := 2 / (float64(c.config.RateInterval/time.Second) + 1)
	c.rates.inPPS = alpha*float64(snapshot.PktsIn-c.rates.lastIn) + (1-alpha)*c.rates.inPPS
	c.rates.outPPS = alpha*float64(snapshot.PktsOut-c.rates.lastOut) + (1-alpha)*c.rates.outPPS
	c.rates.lastIn = snapshot.PktsIn
	c.rates.lastOut = snapshot.PktsOut
}

// currentRates returns the EWMA packet rates.
func (c *Component) currentRates() (float64, float64) {
	c.rates.mu.Lock()
	defer c.rates.mu.Unlock()
	return c.rates.inPPS, c.rates.outPPS
}

// logStats emits one structured log line summarizing the pipeline.
func (c *Component) logStats() {
	snapshot := c.d.Counters.Snapshot()
	inPPS, outPPS := c.currentRates()
	c.r.Info().
		Uint64("pkts_in", snapshot.PktsIn).
		Uint64("pkts_out", snapshot.PktsOut).
		Uint64("dropped_queue", snapshot.DroppedQueue).
		Uint64("dropped_decode", snapshot.DroppedDecode).
		Uint64("dropped_forward", snapshot.DroppedForward).
		Uint64("records_decoded", snapshot.RecordsDecoded).
		Float64("rate_in_pps", inPPS).
		Float64("rate_out_pps", outPPS).
		Msg("pipeline statistics")
}

// Stop stops the statistics server. A last statistics line is logged
// on the way out.
func (c *Component) Stop() error {
	defer c.r.Info().Msg("stats server stopped")
	c.r.Info().Msg("stopping stats server")
	c.t.Kill(nil)
	err := c.t.Wait()
	c.logStats()
	return err
}
