// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package forwarder

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"nfrelay/common/daemon"
	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder"
)

// testCollector is a local UDP socket acting as a collector.
func testCollector(t *testing.T) (*net.UDPConn, CollectorConfiguration) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error:\n%+v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, CollectorConfiguration{
		Host: "127.0.0.1",
		Port: uint16(conn.LocalAddr().(*net.UDPAddr).Port),
	}
}

func testDatagram(payload []byte) *decoder.Datagram {
	return decoder.NewDatagram(payload,
		netip.MustParseAddrPort("10.0.0.1:5000"), time.Now(), nil)
}

func TestForward(t *testing.T) {
	r := reporter.NewMock(t)
	collector1, config1 := testCollector(t)
	collector2, config2 := testCollector(t)
	cnt := counters.New()

	config := DefaultConfiguration()
	config.Collectors = []CollectorConfiguration{config1, config2}
	c, err := New(r, config, Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: cnt,
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error:\n%+v", err)
	}
	defer c.Stop()

	payload := []byte{1, 2, 3, 4, 5}
	c.Send(testDatagram(payload))

	for _, collector := range []*net.UDPConn{collector1, collector2} {
		collector.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 100)
		n, _, err := collector.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("ReadFromUDP() error:\n%+v", err)
		}
		if diff := helpers.Diff(buf[:n], payload); diff != "" {
			t.Fatalf("forwarded payload (-got, +want):\n%s", diff)
		}
	}

	// The same datagram counts once per collector.
	deadline := time.Now().Add(time.Second)
	for cnt.PktsOut.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	snapshot := cnt.Snapshot()
	if snapshot.PktsOut != 2 || snapshot.BytesOut != 10 {
		t.Fatalf("counters: %+v", snapshot)
	}
}

func TestForwardInOrder(t *testing.T) {
	r := reporter.NewMock(t)
	collector, collectorConfig := testCollector(t)
	cnt := counters.New()

	config := DefaultConfiguration()
	config.Collectors = []CollectorConfiguration{collectorConfig}
	c, err := New(r, config, Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: cnt,
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error:\n%+v", err)
	}
	defer c.Stop()

	for i := byte(0); i < 10; i++ {
		c.Send(testDatagram([]byte{i}))
	}
	for i := byte(0); i < 10; i++ {
		collector.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 10)
		n, _, err := collector.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("ReadFromUDP() error:\n%+v", err)
		}
		if n != 1 || buf[0] != i {
			t.Fatalf("datagram %d out of order: got %v", i, buf[:n])
		}
	}
}

func TestDropHead(t *testing.T) {
	r := reporter.NewMock(t)
	_, collectorConfig := testCollector(t)
	cnt := counters.New()

	config := DefaultConfiguration()
	config.Collectors = []CollectorConfiguration{collectorConfig}
	config.QueueSize = 4
	c, err := New(r, config, Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: cnt,
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	// The sender is not started: the queue fills up.
	for i := byte(0); i < 6; i++ {
		c.Send(testDatagram([]byte{i}))
	}
	if drops := cnt.DroppedQueue.Load(); drops != 2 {
		t.Fatalf("DroppedQueue == %d, expected 2", drops)
	}
	// The newest datagrams survived.
	kept := []byte{}
	for i := 0; i < 4; i++ {
		d := <-c.queue
		kept = append(kept, d.Payload[0])
	}
	if diff := helpers.Diff(kept, []byte{2, 3, 4, 5}); diff != "" {
		t.Fatalf("kept datagrams (-got, +want):\n%s", diff)
	}
}

func TestNoCollector(t *testing.T) {
	r := reporter.NewMock(t)
	_, err := New(r, DefaultConfiguration(), Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: counters.New(),
	})
	if err == nil {
		t.Fatal("New() without collectors succeeded")
	}
}
