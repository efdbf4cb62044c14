// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package core plumbs the pipeline together: it routes datagrams from
// the ingress to shard-affined workers which decode, enrich and hand
// them to the forwarder. Sharding workers by exporter address keeps
// each exporter's datagrams in receive order, so a template set is
// always applied before the data sets following it on the wire.
package core

import (
	"hash/fnv"
	"strconv"
	"time"

	"gopkg.in/tomb.v2"

	"nfrelay/common/daemon"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder"
	"nfrelay/relay/enricher"
	"nfrelay/relay/forwarder"
)

// shutdownGrace is how long workers keep draining their queue after a
// stop request. Past the deadline, remaining datagrams are dropped
// and counted.
const shutdownGrace = 5 * time.Second

// Component represents the core pipeline.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	t      tomb.Tomb
	config Configuration

	queues    []chan *decoder.Datagram
	errLogger reporter.Logger

	metrics struct {
		received    *reporter.CounterVec
		queueDrops  *reporter.CounterVec
		decodeDrops reporter.Counter
		orphanSets  reporter.Counter
	}
}

// Dependencies define the dependencies of the core component.
type Dependencies struct {
	Daemon    daemon.Component
	Decoder   decoder.Decoder
	Enricher  *enricher.Component
	Forwarder *forwarder.Component
	Counters  *counters.Counters
}

// New creates a new core component.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	c := Component{
		r:         r,
		d:         &dependencies,
		config:    configuration,
		queues:    make([]chan *decoder.Datagram, configuration.Workers),
		errLogger: r.Sample(reporter.BurstSampler(30*time.Second, 3)),
	}
	for i := range c.queues {
		c.queues[i] = make(chan *decoder.Datagram, configuration.QueueSize)
	}
	c.d.Daemon.Track(&c.t, "relay/core")

	c.metrics.received = r.CounterVec(
		reporter.CounterOpts{
			Name: "received_packets_total",
			Help: "Datagrams handed to a worker.",
		},
		[]string{"worker"},
	)
	c.metrics.queueDrops = r.CounterVec(
		reporter.CounterOpts{
			Name: "queue_dropped_packets_total",
			Help: "Datagrams dropped because a worker queue was full.",
		},
		[]string{"worker"},
	)
	c.metrics.decodeDrops = r.Counter(
		reporter.CounterOpts{
			Name: "decode_dropped_packets_total",
			Help: "Datagrams dropped because they could not be decoded.",
		})
	c.metrics.orphanSets = r.Counter(
		reporter.CounterOpts{
			Name: "orphan_sets_total",
			Help: "Data sets skipped for lack of a template.",
		})
	return &c, nil
}

// Dispatch routes a datagram to its worker. Datagrams from the same
// exporter always land on the same worker. Dispatch never blocks: on
// a full worker queue, the datagram is dropped and counted.
func (c *Component) Dispatch(d *decoder.Datagram) {
	shard := 0
	if len(c.queues) > 1 {
		h := fnv.New32a()
		addr := d.Exporter().As16()
		h.Write(addr[:])
		shard = int(h.Sum32() % uint32(len(c.queues)))
	}
	select {
	case c.queues[shard] <- d:
	default:
		c.d.Counters.DroppedQueue.Add(1)
		c.metrics.queueDrops.WithLabelValues(strconv.Itoa(shard)).Inc()
		d.Release()
	}
}

// Start starts the pipeline workers.
func (c *Component) Start() error {
	c.r.Info().Int("workers", c.config.Workers).Msg("starting core component")
	for i := 0; i < c.config.Workers; i++ {
		workerID := i
		c.t.Go(func() error {
			return c.runWorker(workerID)
		})
	}
	return nil
}

// runWorker processes datagrams of one shard.
func (c *Component) runWorker(workerID int) error {
	workerStr := strconv.Itoa(workerID)
	queue := c.queues[workerID]
	dying := c.t.Dying()
	for {
		select {
		case <-dying:
			return c.drainWorker(workerStr, queue)
		case d := <-queue:
			c.metrics.received.WithLabelValues(workerStr).Inc()
			c.process(d)
		}
	}
}

// drainWorker empties the worker queue after a stop request,
// processing what fits in the grace period and dropping the rest.
func (c *Component) drainWorker(workerStr string, queue chan *decoder.Datagram) error {
	deadline := time.Now().Add(shutdownGrace)
	for {
		select {
		case d := <-queue:
			if time.Now().After(deadline) {
				c.d.Counters.DroppedQueue.Add(1)
				c.metrics.queueDrops.WithLabelValues(workerStr).Inc()
				d.Release()
				continue
			}
			c.process(d)
		default:
			c.r.Debug().Str("worker", workerStr).Msg("stopping core worker")
			return nil
		}
	}
}

// process decodes one datagram, runs the enricher over the decoded
// records and hands the datagram to the forwarder. Datagrams with
// orphan sets are still forwarded, but a datagram whose decoding
// returns an error is dropped.
func (c *Component) process(d *decoder.Datagram) {
	result, err := c.d.Decoder.Decode(d)
	if err != nil {
		c.d.Counters.DroppedDecode.Add(1)
		c.d.Counters.RecordError(counters.KindDecode, err.Error())
		c.metrics.decodeDrops.Inc()
		c.errLogger.Debug().
			Str("exporter", d.Exporter().String()).
			Str("error", err.Error()).
			Msg("cannot decode datagram")
		d.Release()
		return
	}

	c.d.Counters.RecordsDecoded.Add(uint64(len(result.Records)))
	if result.OrphanSets > 0 {
		c.d.Counters.DroppedOrphan.Add(uint64(result.OrphanSets))
		c.metrics.orphanSets.Add(float64(result.OrphanSets))
	}
	c.d.Enricher.Process(d, result)
	c.d.Forwarder.Send(d)
}

// Stop stops the core component, draining pending datagrams first.
func (c *Component) Stop() error {
	defer c.r.Info().Msg("core component stopped")
	c.r.Info().Msg("stopping core component")
	c.t.Kill(nil)
	return c.t.Wait()
}
