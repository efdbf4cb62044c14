// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package stats

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"nfrelay/common/daemon"
	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder"
	"nfrelay/relay/enricher"
	"nfrelay/relay/templates"
)

func netipAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

// enricherInput builds a minimal decoded result carrying AS numbers.
func enricherInput() (*decoder.Datagram, *decoder.Result) {
	record := decoder.Record{
		SrcAS:      15169,
		DstAS:      13335,
		SrcASField: -1,
		DstASField: -1,
	}
	d := decoder.NewDatagram([]byte{},
		netip.MustParseAddrPort("10.0.0.1:5000"), time.Now(), nil)
	return d, &decoder.Result{Records: []decoder.Record{record}}
}

type testServer struct {
	component *Component
	counters  *counters.Counters
	templates *templates.Component
	enricher  *enricher.Component
	clock     *clock.Mock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	r := reporter.NewMock(t)
	cnt := counters.New()
	clk := clock.NewMock()
	templatesComponent := templates.NewMock(t, r, clk)
	enricherComponent, err := enricher.New(r, enricher.DefaultConfiguration(), enricher.Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: cnt,
	})
	if err != nil {
		t.Fatalf("enricher.New() error:\n%+v", err)
	}

	config := DefaultConfiguration()
	config.Listen = "127.0.0.1:0"
	c, err := New(r, config, Dependencies{
		Daemon:    daemon.NewMock(t),
		Clock:     clk,
		Counters:  cnt,
		Templates: templatesComponent,
		Enricher:  enricherComponent,
		ConfigDump: func() ([]byte, error) {
			return []byte("general:\n  listen-port: 2055\n"), nil
		},
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error:\n%+v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return &testServer{
		component: c,
		counters:  cnt,
		templates: templatesComponent,
		enricher:  enricherComponent,
		clock:     clk,
	}
}

func (s *testServer) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", s.component.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error:\n%+v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

// command sends one command and reads the blank-line-terminated response.
func command(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd string) []string {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		t.Fatalf("Fprintf() error:\n%+v", err)
	}
	lines := []string{}
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error:\n%+v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func TestStatsCommand(t *testing.T) {
	s := newTestServer(t)
	s.counters.PktsIn.Add(100)
	s.counters.PktsOut.Add(90)
	s.counters.DroppedQueue.Add(10)

	conn, reader := s.dial(t)
	lines := command(t, conn, reader, "stats")
	got := map[string]string{}
	for _, line := range lines {
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) == 2 {
			got[parts[0]] = parts[1]
		}
	}
	for key, expected := range map[string]string{
		"pkts_in":            "100",
		"pkts_out":           "90",
		"pkts_dropped_queue": "10",
		"records_decoded":    "0",
	} {
		if got[key] != expected {
			t.Errorf("stats %s == %q, expected %q", key, got[key], expected)
		}
	}
}

func TestASStatsCommand(t *testing.T) {
	s := newTestServer(t)
	d, result := enricherInput()
	s.enricher.Process(d, result)

	conn, reader := s.dial(t)
	lines := command(t, conn, reader, "as_stats")
	expected := []string{
		"source AS15169 1",
		"destination AS13335 1",
	}
	if diff := helpers.Diff(lines, expected); diff != "" {
		t.Fatalf("as_stats (-got, +want):\n%s", diff)
	}
}

func TestTemplatesCommand(t *testing.T) {
	s := newTestServer(t)
	s.templates.Put(templates.Key{
		Exporter: netipAddr("192.0.2.1"),
		SourceID: 3,
	}, &templates.Template{
		ID:   256,
		Kind: templates.KindData,
		Fields: []templates.FieldSpec{
			{ElementID: 16, Length: 4},
			{ElementID: 17, Length: 4},
		},
	})

	conn, reader := s.dial(t)
	lines := command(t, conn, reader, "templates")
	if len(lines) != 1 {
		t.Fatalf("templates returned %d lines, expected 1", len(lines))
	}
	if !strings.Contains(lines[0], "exporter=192.0.2.1") ||
		!strings.Contains(lines[0], "source_id=3") ||
		!strings.Contains(lines[0], "template_id=256") ||
		!strings.Contains(lines[0], "fields=2") {
		t.Fatalf("templates line: %q", lines[0])
	}
}

func TestErrorsCommand(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 12; i++ {
		s.counters.RecordError(counters.KindForward, fmt.Sprintf("error %d", i))
	}

	conn, reader := s.dial(t)
	lines := command(t, conn, reader, "errors")
	if len(lines) != 10 {
		t.Fatalf("errors returned %d lines, expected 10", len(lines))
	}
	if !strings.HasSuffix(lines[0], "error 11") {
		t.Fatalf("newest error first: %q", lines[0])
	}
}

func TestConfigCommand(t *testing.T) {
	s := newTestServer(t)
	conn, reader := s.dial(t)
	lines := command(t, conn, reader, "config")
	expected := []string{
		"general:",
		"  listen-port: 2055",
	}
	if diff := helpers.Diff(lines, expected); diff != "" {
		t.Fatalf("config (-got, +want):\n%s", diff)
	}
}

func TestUnknownCommand(t *testing.T) {
	s := newTestServer(t)
	conn, reader := s.dial(t)
	lines := command(t, conn, reader, "frobnicate")
	expected := []string{"ERR unknown command"}
	if diff := helpers.Diff(lines, expected); diff != "" {
		t.Fatalf("unknown command (-got, +want):\n%s", diff)
	}

	// The connection survives an unknown command.
	lines = command(t, conn, reader, "help")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "commands:") {
		t.Fatalf("help after error: %v", lines)
	}
}

func TestQuitCommand(t *testing.T) {
	s := newTestServer(t)
	conn, reader := s.dial(t)
	if _, err := fmt.Fprintf(conn, "quit\n"); err != nil {
		t.Fatalf("Fprintf() error:\n%+v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatal("connection still open after quit")
	}
}

func TestRates(t *testing.T) {
	s := newTestServer(t)

	// 100 packets per second for a while.
	for i := 0; i < 10; i++ {
		s.counters.PktsIn.Add(100)
		s.clock.Add(time.Second)
		time.Sleep(time.Millisecond)
	}
	inPPS, _ := s.component.currentRates()
	if inPPS <= 0 {
		t.Fatalf("rate_in_pps == %f, expected > 0", inPPS)
	}
}
