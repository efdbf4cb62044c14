// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package forwarder retransmits datagrams to the configured
// collectors. The egress queue is bounded: on overflow the oldest
// datagram is dropped to keep the newest telemetry. Sends are never
// retried, per UDP semantics.
package forwarder

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"nfrelay/common/daemon"
	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder"
)

// shutdownGrace is how long the forwarder keeps flushing its queue
// after a stop request.
const shutdownGrace = 5 * time.Second

// Component represents the forwarder.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	t      tomb.Tomb
	config Configuration

	queue     chan *decoder.Datagram
	queuePeak atomic.Int64
	conn4     *net.UDPConn
	conn6     *net.UDPConn
	dests     []*net.UDPAddr
	errLogger reporter.Logger

	metrics struct {
		sent       *reporter.CounterVec
		sendErrors *reporter.CounterVec
		queueLen   reporter.GaugeFunc
		queuePeak  reporter.GaugeFunc
	}
}

// Dependencies define the dependencies of the forwarder.
type Dependencies struct {
	Daemon   daemon.Component
	Counters *counters.Counters
}

// New creates a new forwarder.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	if len(configuration.Collectors) == 0 {
		return nil, errors.New("no collector configured")
	}
	c := Component{
		r:         r,
		d:         &dependencies,
		config:    configuration,
		queue:     make(chan *decoder.Datagram, configuration.QueueSize),
		errLogger: r.Sample(reporter.BurstSampler(time.Minute, 3)),
	}
	c.d.Daemon.Track(&c.t, "relay/forwarder")

	c.metrics.sent = r.CounterVec(
		reporter.CounterOpts{
			Name: "sent_packets_total",
			Help: "Datagrams sent, per collector.",
		},
		[]string{"collector"},
	)
	c.metrics.sendErrors = r.CounterVec(
		reporter.CounterOpts{
			Name: "send_errors_total",
			Help: "Datagram send errors, per collector.",
		},
		[]string{"collector"},
	)
	c.metrics.queueLen = r.GaugeFunc(
		reporter.GaugeOpts{
			Name: "queue_length",
			Help: "Number of datagrams waiting in the egress queue.",
		}, func() float64 { return float64(len(c.queue)) })
	c.metrics.queuePeak = r.GaugeFunc(
		reporter.GaugeOpts{
			Name: "queue_peak_length",
			Help: "Highest egress queue length observed.",
		}, func() float64 { return float64(c.queuePeak.Load()) })
	return &c, nil
}

// Start resolves the collectors, opens the egress sockets and starts
// the sender.
func (c *Component) Start() error {
	c.dests = make([]*net.UDPAddr, 0, len(c.config.Collectors))
	needV4, needV6 := false, false
	for _, collector := range c.config.Collectors {
		addr, err := net.ResolveUDPAddr("udp",
			net.JoinHostPort(collector.Host, fmt.Sprintf("%d", collector.Port)))
		if err != nil {
			return fmt.Errorf("cannot resolve collector %q: %w", collector.Host, err)
		}
		if addr.IP.To4() != nil {
			needV4 = true
		} else {
			needV6 = true
		}
		c.dests = append(c.dests, addr)
	}
	if needV4 {
		conn, err := net.ListenUDP("udp4", nil)
		if err != nil {
			return helpers.BindError{Err: fmt.Errorf("cannot open IPv4 egress socket: %w", err)}
		}
		c.conn4 = conn
	}
	if needV6 {
		conn, err := net.ListenUDP("udp6", nil)
		if err != nil {
			return helpers.BindError{Err: fmt.Errorf("cannot open IPv6 egress socket: %w", err)}
		}
		c.conn6 = conn
	}

	c.r.Info().Int("collectors", len(c.dests)).Msg("starting forwarder")
	c.t.Go(c.runSender)
	return nil
}

// Send enqueues a datagram for forwarding. On a full queue, the
// oldest datagram is dropped (drop-head) and accounted as a queue
// drop. Send never blocks.
func (c *Component) Send(d *decoder.Datagram) {
	for {
		select {
		case c.queue <- d:
			if length := int64(len(c.queue)); length > c.queuePeak.Load() {
				c.queuePeak.Store(length)
			}
			return
		default:
		}
		select {
		case old := <-c.queue:
			c.d.Counters.DroppedQueue.Add(1)
			old.Release()
		default:
		}
	}
}

func (c *Component) runSender() error {
	dying := c.t.Dying()
	for {
		select {
		case <-dying:
			return c.flush()
		case d := <-c.queue:
			c.sendOne(d)
		}
	}
}

// flush keeps sending queued datagrams for a bounded time, then drops
// the remainder.
func (c *Component) flush() error {
	deadline := time.Now().Add(shutdownGrace)
	for {
		select {
		case d := <-c.queue:
			if time.Now().After(deadline) {
				c.d.Counters.DroppedQueue.Add(1)
				d.Release()
				continue
			}
			c.sendOne(d)
		default:
			return nil
		}
	}
}

// sendOne sends one datagram to every collector, in configuration
// order. A failed collector does not prevent the others.
func (c *Component) sendOne(d *decoder.Datagram) {
	for _, dest := range c.dests {
		conn := c.conn6
		if dest.IP.To4() != nil {
			conn = c.conn4
		}
		if _, err := conn.WriteToUDP(d.Payload, dest); err != nil {
			c.d.Counters.DroppedForward.Add(1)
			c.d.Counters.RecordError(counters.KindForward,
				fmt.Sprintf("%s: %s", dest, err))
			c.metrics.sendErrors.WithLabelValues(dest.String()).Inc()
			c.errLogger.Err(err).Stringer("collector", dest).Msg("cannot forward datagram")
			continue
		}
		c.d.Counters.PktsOut.Add(1)
		c.d.Counters.BytesOut.Add(uint64(len(d.Payload)))
		c.metrics.sent.WithLabelValues(dest.String()).Inc()
	}
	d.Release()
}

// Stop stops the forwarder, flushing the queue first.
func (c *Component) Stop() error {
	defer func() {
		if c.conn4 != nil {
			c.conn4.Close()
		}
		if c.conn6 != nil {
			c.conn6.Close()
		}
		c.r.Info().Msg("forwarder stopped")
	}()
	c.r.Info().Msg("stopping forwarder")
	c.t.Kill(nil)
	return c.t.Wait()
}
