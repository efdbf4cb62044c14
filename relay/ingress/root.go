// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package ingress handles the UDP listener receiving flow-export
// datagrams. A single reader owns the socket: receiving from one
// socket keeps per-exporter ordering, which the decoding stage
// depends on for template-before-data delivery.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"gopkg.in/tomb.v2"

	"nfrelay/common/daemon"
	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder"
)

// maxDatagramSize is the largest UDP payload we can receive.
const maxDatagramSize = 65535

// SendFunc is the function used to hand a datagram to the pipeline.
// It must not block.
type SendFunc func(*decoder.Datagram)

// Component represents the UDP ingress.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	t      tomb.Tomb
	config Configuration

	send    SendFunc
	conn    *net.UDPConn
	address net.Addr // listening address, for tests
	pool    chan []byte

	metrics struct {
		packets       *reporter.CounterVec
		bytes         *reporter.CounterVec
		errors        *reporter.CounterVec
		kernelDrops   *reporter.CounterVec
		packetSizeSum *reporter.SummaryVec
	}
}

// Dependencies define the dependencies of the ingress component.
type Dependencies struct {
	Daemon   daemon.Component
	Counters *counters.Counters
}

// New instantiates a new UDP ingress from the provided configuration.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies, send SendFunc) (*Component, error) {
	c := Component{
		r:      r,
		d:      &dependencies,
		config: configuration,
		send:   send,
		pool:   make(chan []byte, configuration.PoolSize),
	}
	c.d.Daemon.Track(&c.t, "relay/ingress")

	c.metrics.packets = r.CounterVec(
		reporter.CounterOpts{
			Name: "packets_total",
			Help: "Packets received by the application.",
		},
		[]string{"listener", "exporter"},
	)
	c.metrics.bytes = r.CounterVec(
		reporter.CounterOpts{
			Name: "bytes_total",
			Help: "Bytes received by the application.",
		},
		[]string{"listener", "exporter"},
	)
	c.metrics.errors = r.CounterVec(
		reporter.CounterOpts{
			Name: "errors_total",
			Help: "Errors while receiving packets.",
		},
		[]string{"listener"},
	)
	c.metrics.kernelDrops = r.CounterVec(
		reporter.CounterOpts{
			Name: "kernel_dropped_packets_total",
			Help: "Dropped packets due to full kernel receive queue.",
		},
		[]string{"listener"},
	)
	c.metrics.packetSizeSum = r.SummaryVec(
		reporter.SummaryOpts{
			Name:       "size_bytes",
			Help:       "Summary of packet size.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"listener"},
	)
	return &c, nil
}

// LocalAddr returns the address the ingress is listening to. Only
// valid after Start().
func (c *Component) LocalAddr() net.Addr {
	return c.address
}

// getBuffer returns a receive buffer from the pool.
func (c *Component) getBuffer() []byte {
	select {
	case buf := <-c.pool:
		return buf
	default:
		return make([]byte, maxDatagramSize)
	}
}

// putBuffer gives a receive buffer back to the pool.
func (c *Component) putBuffer(buf []byte) {
	select {
	case c.pool <- buf[:maxDatagramSize]:
	default:
	}
}

// Start binds the UDP socket and starts the reader.
func (c *Component) Start() error {
	c.r.Info().Str("listen", c.config.Listen).Msg("starting UDP ingress")

	listenAddr, err := net.ResolveUDPAddr("udp", c.config.Listen)
	if err != nil {
		return fmt.Errorf("unable to resolve %v: %w", c.config.Listen, err)
	}
	pconn, err := listenConfig.ListenPacket(c.t.Context(context.Background()), "udp", listenAddr.String())
	if err != nil {
		return helpers.BindError{Err: fmt.Errorf("unable to listen to %v: %w", listenAddr, err)}
	}
	conn := pconn.(*net.UDPConn)
	c.conn = conn
	c.address = conn.LocalAddr()
	if c.config.ReceiveBuffer > 0 {
		if err := conn.SetReadBuffer(int(c.config.ReceiveBuffer)); err != nil {
			// On Linux, this does not trigger an error when we
			// are above net.core.rmem_max.
			c.r.Warn().
				Str("error", err.Error()).
				Str("listen", c.config.Listen).
				Msgf("unable to set requested buffer size (%d bytes)", c.config.ReceiveBuffer)
		}
	}
	c.r.Info().Str("listen", c.address.String()).Msg("UDP ingress listening")

	c.t.Go(func() error {
		listen := c.config.Listen
		oob := make([]byte, oobLength)
		errLogger := c.r.Sample(reporter.BurstSampler(time.Minute, 1))
		dying := c.t.Dying()
		for {
			payload := c.getBuffer()
			n, oobn, _, source, err := conn.ReadMsgUDP(payload, oob)
			if err != nil {
				c.putBuffer(payload)
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				errLogger.Err(err).Msg("unable to receive UDP packet")
				c.metrics.errors.WithLabelValues(listen).Inc()
				continue
			}

			oobMsg, err := parseSocketControlMessage(oob[:oobn])
			if err != nil {
				errLogger.Err(err).Msg("unable to decode UDP control message")
			} else if oobMsg.Drops > 0 {
				c.metrics.kernelDrops.WithLabelValues(listen).Add(float64(oobMsg.Drops))
			}
			if oobMsg.Received.IsZero() {
				oobMsg.Received = time.Now()
			}

			srcIP := source.IP.String()
			c.d.Counters.PktsIn.Add(1)
			c.d.Counters.BytesIn.Add(uint64(n))
			c.metrics.packets.WithLabelValues(listen, srcIP).Inc()
			c.metrics.bytes.WithLabelValues(listen, srcIP).Add(float64(n))
			c.metrics.packetSizeSum.WithLabelValues(listen).Observe(float64(n))

			buf := payload
			addrPort := netip.AddrPortFrom(
				addrFromIP(source.IP), uint16(source.Port))
			c.send(decoder.NewDatagram(payload[:n], addrPort, oobMsg.Received,
				func() { c.putBuffer(buf) }))

			select {
			case <-dying:
				return nil
			default:
			}
		}
	})

	// Watch for termination and close on dying
	c.t.Go(func() error {
		<-c.t.Dying()
		conn.Close()
		return nil
	})
	return nil
}

func addrFromIP(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

// Stop stops the UDP ingress.
func (c *Component) Stop() error {
	l := c.r.With().Str("listen", c.config.Listen).Logger()
	defer l.Info().Msg("UDP ingress stopped")
	c.t.Kill(nil)
	return c.t.Wait()
}
