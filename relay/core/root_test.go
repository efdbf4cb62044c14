// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package core

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"nfrelay/common/daemon"
	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder"
	"nfrelay/relay/decoder/netflow"
	"nfrelay/relay/enricher"
	"nfrelay/relay/forwarder"
	"nfrelay/relay/templates"
)

type testPipeline struct {
	core      *Component
	counters  *counters.Counters
	collector *net.UDPConn
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	r := reporter.NewMock(t)
	cnt := counters.New()

	collector, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error:\n%+v", err)
	}
	t.Cleanup(func() { collector.Close() })

	forwarderConfig := forwarder.DefaultConfiguration()
	forwarderConfig.Collectors = []forwarder.CollectorConfiguration{
		{
			Host: "127.0.0.1",
			Port: uint16(collector.LocalAddr().(*net.UDPAddr).Port),
		},
	}
	forwarderComponent, err := forwarder.New(r, forwarderConfig, forwarder.Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: cnt,
	})
	if err != nil {
		t.Fatalf("forwarder.New() error:\n%+v", err)
	}
	if err := forwarderComponent.Start(); err != nil {
		t.Fatalf("forwarder.Start() error:\n%+v", err)
	}
	t.Cleanup(func() { forwarderComponent.Stop() })

	enricherComponent, err := enricher.New(r, enricher.DefaultConfiguration(), enricher.Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: cnt,
	})
	if err != nil {
		t.Fatalf("enricher.New() error:\n%+v", err)
	}

	config := DefaultConfiguration()
	config.Workers = 1
	c, err := New(r, config, Dependencies{
		Daemon: daemon.NewMock(t),
		Decoder: netflow.New(r, netflow.Dependencies{
			Templates: templates.NewMock(t, r, clock.NewMock()),
		}),
		Enricher:  enricherComponent,
		Forwarder: forwarderComponent,
		Counters:  cnt,
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error:\n%+v", err)
	}
	t.Cleanup(func() { c.Stop() })

	return &testPipeline{core: c, counters: cnt, collector: collector}
}

func (p *testPipeline) receive(t *testing.T) []byte {
	t.Helper()
	p.collector.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 65535)
	n, _, err := p.collector.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP() error:\n%+v", err)
	}
	return buf[:n]
}

func testDatagram(payload []byte) *decoder.Datagram {
	return decoder.NewDatagram(payload,
		netip.MustParseAddrPort("10.0.0.1:5000"), time.Now(), nil)
}

// nfv9 builds a NetFlow v9 datagram with one set.
func nfv9(setID uint16, body []byte) []byte {
	packet := make([]byte, 20, 24+len(body))
	binary.BigEndian.PutUint16(packet[0:], 9)
	binary.BigEndian.PutUint16(packet[2:], 1)
	packet = binary.BigEndian.AppendUint16(packet, setID)
	packet = binary.BigEndian.AppendUint16(packet, uint16(len(body)+4))
	return append(packet, body...)
}

func TestTemplateThenData(t *testing.T) {
	p := newTestPipeline(t)

	template := nfv9(0, []byte{
		1, 0, 0, 4, // template 256, 4 fields
		0, 1, 0, 8, // IN_BYTES(1), 8 bytes
		0, 4, 0, 1, // PROTOCOL(4), 1 byte
		0, 16, 0, 4, // SRC_AS(16), 4 bytes
		0, 17, 0, 4, // DST_AS(17), 4 bytes
	})
	data := nfv9(256, []byte{
		0, 0, 0, 0, 0, 0, 0x3, 0xe8, // 1000 bytes
		6,          // TCP
		0, 0, 0x3b, 0x41, // AS15169
		0, 0, 0x34, 0x17, // AS13335
		0, 0, 0, // padding
	})

	p.core.Dispatch(testDatagram(template))
	got := p.receive(t)
	if diff := helpers.Diff(got, template); diff != "" {
		t.Fatalf("forwarded template (-got, +want):\n%s", diff)
	}

	p.core.Dispatch(testDatagram(data))
	got = p.receive(t)
	if diff := helpers.Diff(got, data); diff != "" {
		t.Fatalf("forwarded data (-got, +want):\n%s", diff)
	}

	snapshot := p.counters.Snapshot()
	if snapshot.RecordsDecoded != 1 || snapshot.RecordsWithAS != 1 {
		t.Fatalf("counters: %+v", snapshot)
	}
}

func TestOrphanDataStillForwarded(t *testing.T) {
	p := newTestPipeline(t)

	data := nfv9(300, []byte{1, 2, 3, 4})
	p.core.Dispatch(testDatagram(data))
	got := p.receive(t)
	if diff := helpers.Diff(got, data); diff != "" {
		t.Fatalf("forwarded orphan (-got, +want):\n%s", diff)
	}
	snapshot := p.counters.Snapshot()
	if snapshot.DroppedOrphan != 1 || snapshot.RecordsDecoded != 0 {
		t.Fatalf("counters: %+v", snapshot)
	}
}

func TestUndecodableDropped(t *testing.T) {
	p := newTestPipeline(t)

	// Unsupported version: dropped, not forwarded.
	p.core.Dispatch(testDatagram([]byte{0, 42, 1, 2, 3, 4}))

	deadline := time.Now().Add(time.Second)
	for p.counters.DroppedDecode.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	snapshot := p.counters.Snapshot()
	if snapshot.DroppedDecode != 1 || snapshot.PktsOut != 0 {
		t.Fatalf("counters: %+v", snapshot)
	}
}

func TestQueueOverflow(t *testing.T) {
	r := reporter.NewMock(t)
	cnt := counters.New()
	config := DefaultConfiguration()
	config.Workers = 1
	config.QueueSize = 4

	c, err := New(r, config, Dependencies{
		Daemon: daemon.NewMock(t),
		Decoder: netflow.New(r, netflow.Dependencies{
			Templates: templates.NewMock(t, r, clock.NewMock()),
		}),
		Counters: cnt,
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	// Workers are not started: the queue fills up and overflows.
	for i := 0; i < 10; i++ {
		c.Dispatch(testDatagram([]byte{0, 9}))
	}
	if drops := cnt.DroppedQueue.Load(); drops != 6 {
		t.Fatalf("DroppedQueue == %d, expected 6", drops)
	}
}

func TestExporterAffinity(t *testing.T) {
	r := reporter.NewMock(t)
	config := DefaultConfiguration()
	config.Workers = 4
	c, err := New(r, config, Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: counters.New(),
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}

	// All datagrams from one exporter land on the same queue.
	for i := 0; i < 20; i++ {
		c.Dispatch(testDatagram([]byte{0, 9}))
	}
	used := 0
	for _, queue := range c.queues {
		if len(queue) > 0 {
			used++
			if len(queue) != 20 {
				t.Fatalf("shard queue holds %d datagrams, expected 20", len(queue))
			}
		}
	}
	if used != 1 {
		t.Fatalf("%d shards used, expected 1", used)
	}
}
