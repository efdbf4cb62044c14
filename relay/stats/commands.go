// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package stats

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"nfrelay/relay/enricher"
)

// maxLineLength bounds a command line, terminator included.
const maxLineLength = 256

// handleConnection serves one client. Each connection is stateless:
// one command per line, one blank-line-terminated response per
// command. Idle connections are closed.
func (c *Component) handleConnection(conn net.Conn) {
	defer conn.Close()
	c.registerConn(conn)
	defer c.unregisterConn(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLineLength), maxLineLength)
	writer := bufio.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
		if !scanner.Scan() {
			if scanner.Err() != nil {
				fmt.Fprintf(writer, "ERR %s\n\n", scanner.Err())
				writer.Flush()
			}
			return
		}
		command := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if command == "" {
			continue
		}
		switch command {
		case "stats", "as_stats", "templates", "errors", "config", "help", "quit":
			c.metrics.commands.WithLabelValues(command).Inc()
		default:
			// Clients can send anything: keep the label set bounded.
			c.metrics.commands.WithLabelValues("unknown").Inc()
		}
		switch command {
		case "stats":
			c.writeStats(writer)
		case "as_stats":
			c.writeASStats(writer)
		case "templates":
			c.writeTemplates(writer)
		case "errors":
			c.writeErrors(writer)
		case "config":
			c.writeConfig(writer)
		case "help":
			fmt.Fprintf(writer, "commands: stats as_stats templates errors config help quit\n")
		case "quit":
			writer.Flush()
			return
		default:
			fmt.Fprintf(writer, "ERR unknown command\n")
		}
		fmt.Fprintf(writer, "\n")
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (c *Component) writeStats(writer *bufio.Writer) {
	snapshot := c.d.Counters.Snapshot()
	inPPS, outPPS := c.currentRates()
	fmt.Fprintf(writer, "uptime_s: %d\n", int(time.Since(c.start).Seconds()))
	fmt.Fprintf(writer, "pkts_in: %d\n", snapshot.PktsIn)
	fmt.Fprintf(writer, "bytes_in: %d\n", snapshot.BytesIn)
	fmt.Fprintf(writer, "pkts_out: %d\n", snapshot.PktsOut)
	fmt.Fprintf(writer, "bytes_out: %d\n", snapshot.BytesOut)
	fmt.Fprintf(writer, "pkts_dropped_queue: %d\n", snapshot.DroppedQueue)
	fmt.Fprintf(writer, "pkts_dropped_decode: %d\n", snapshot.DroppedDecode)
	fmt.Fprintf(writer, "pkts_dropped_orphan_template: %d\n", snapshot.DroppedOrphan)
	fmt.Fprintf(writer, "pkts_dropped_forward: %d\n", snapshot.DroppedForward)
	fmt.Fprintf(writer, "templates_seen: %d\n", c.d.Templates.Seen())
	fmt.Fprintf(writer, "templates_current: %d\n", c.d.Templates.Count())
	fmt.Fprintf(writer, "records_decoded: %d\n", snapshot.RecordsDecoded)
	fmt.Fprintf(writer, "records_with_as: %d\n", snapshot.RecordsWithAS)
	fmt.Fprintf(writer, "records_enriched: %d\n", snapshot.RecordsEnriched)
	fmt.Fprintf(writer, "as_rewritten: %d\n", snapshot.ASRewritten)
	fmt.Fprintf(writer, "rate_in_pps: %.1f\n", inPPS)
	fmt.Fprintf(writer, "rate_out_pps: %.1f\n", outPPS)
}

func (c *Component) writeASStats(writer *bufio.Writer) {
	for _, direction := range []enricher.Direction{
		enricher.DirectionSource,
		enricher.DirectionDestination,
	} {
		for _, entry := range c.d.Enricher.TopAS(direction) {
			fmt.Fprintf(writer, "%s AS%d %d\n", direction, entry.AS, entry.Count)
		}
	}
}

func (c *Component) writeTemplates(writer *bufio.Writer) {
	now := time.Now()
	for _, info := range c.d.Templates.Snapshot() {
		fmt.Fprintf(writer, "exporter=%s source_id=%d template_id=%d kind=%s fields=%d version=%d age_s=%d\n",
			info.Exporter.Exporter, info.Exporter.SourceID, info.TemplateID,
			info.Kind, info.FieldCount, info.Version,
			int(now.Sub(info.ReceivedAt).Seconds()))
	}
}

func (c *Component) writeErrors(writer *bufio.Writer) {
	for _, event := range c.d.Counters.LastErrors() {
		fmt.Fprintf(writer, "%s %s %s\n",
			event.Time.UTC().Format(time.RFC3339), event.Kind, event.Message)
	}
}

func (c *Component) writeConfig(writer *bufio.Writer) {
	if c.d.ConfigDump == nil {
		fmt.Fprintf(writer, "ERR configuration not available\n")
		return
	}
	dump, err := c.d.ConfigDump()
	if err != nil {
		fmt.Fprintf(writer, "ERR %s\n", err)
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(dump), "\n"), "\n") {
		fmt.Fprintf(writer, "%s\n", line)
	}
}
