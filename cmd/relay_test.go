// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package cmd

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
	"nfrelay/relay/forwarder"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nfrelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error:\n%+v", err)
	}
	return path
}

func TestParseConfiguration(t *testing.T) {
	path := writeConfig(t, `
general:
  listen_port: 9996
  output_port: 9996
  stats_port: 9998
  log_level: debug
forwarding:
  collectors:
    - host: 192.0.2.10
      port: 9996
    - host: 192.0.2.11
performance:
  workers: 2
  queue_size: 1000
  stats_interval: 10s
enrichment:
  as_extraction: true
  enrich_in_place: true
`)
	config := RelayConfiguration{}
	config.Reset()
	options := ConfigRelatedOptions{Path: path}
	if err := options.Parse(io.Discard, "relay", &config); err != nil {
		t.Fatalf("Parse() error:\n%+v", err)
	}

	if config.General.ListenPort != 9996 || config.General.StatsPort != 9998 {
		t.Fatalf("general section: %+v", config.General)
	}
	if config.General.LogLevel != "debug" {
		t.Fatalf("log level: %q", config.General.LogLevel)
	}
	if config.Performance.Workers != 2 || config.Performance.QueueSize != 1000 ||
		config.Performance.StatsInterval != 10*time.Second {
		t.Fatalf("performance section: %+v", config.Performance)
	}
	if len(config.Forwarding.Collectors) != 2 ||
		config.Forwarding.Collectors[0].Host != "192.0.2.10" ||
		config.Forwarding.Collectors[1].Port != 0 {
		t.Fatalf("forwarding section: %+v", config.Forwarding)
	}
	if !config.Enrichment.EnrichInPlace {
		t.Fatalf("enrichment section: %+v", config.Enrichment)
	}

	// Defaults survive where the file is silent.
	if config.Templates.IdleTimeout != 30*time.Minute {
		t.Fatalf("templates section: %+v", config.Templates)
	}
	if config.Enrichment.LookupTimeout != 5*time.Millisecond {
		t.Fatalf("lookup timeout: %v", config.Enrichment.LookupTimeout)
	}
}

func TestParseUnknownKey(t *testing.T) {
	path := writeConfig(t, `
general:
  listen_port: 2055
  frobnicate: true
forwarding:
  collectors:
    - host: 192.0.2.10
`)
	config := RelayConfiguration{}
	config.Reset()
	options := ConfigRelatedOptions{Path: path}
	err := options.Parse(io.Discard, "relay", &config)
	if err == nil {
		t.Fatal("Parse() with unknown key succeeded")
	}
	if ExitCode(err) != ExitConfig {
		t.Fatalf("ExitCode() == %d, expected %d", ExitCode(err), ExitConfig)
	}
}

func TestParseBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
general:
  log_level: verbose
forwarding:
  collectors:
    - host: 192.0.2.10
`)
	config := RelayConfiguration{}
	config.Reset()
	options := ConfigRelatedOptions{Path: path}
	if err := options.Parse(io.Discard, "relay", &config); err == nil {
		t.Fatal("Parse() with bad log level succeeded")
	}
}

func TestParseMissingCollector(t *testing.T) {
	path := writeConfig(t, `
general:
  listen_port: 2055
`)
	config := RelayConfiguration{}
	config.Reset()
	options := ConfigRelatedOptions{Path: path}
	err := options.Parse(io.Discard, "relay", &config)
	if err == nil {
		t.Fatal("Parse() without collectors succeeded")
	}
	if ExitCode(err) != ExitConfig {
		t.Fatalf("ExitCode() == %d, expected %d", ExitCode(err), ExitConfig)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, `
forwarding:
  collectors:
    - host: 192.0.2.10
`)
	t.Setenv("NFRELAY_RELAY_GENERAL_LISTENPORT", "4739")
	config := RelayConfiguration{}
	config.Reset()
	options := ConfigRelatedOptions{Path: path}
	if err := options.Parse(io.Discard, "relay", &config); err != nil {
		t.Fatalf("Parse() error:\n%+v", err)
	}
	if config.General.ListenPort != 4739 {
		t.Fatalf("ListenPort == %d, expected 4739", config.General.ListenPort)
	}
}

func TestRelayStartCheckMode(t *testing.T) {
	r := reporter.NewMock(t)
	config := RelayConfiguration{}
	config.Reset()
	config.Forwarding.Collectors = []forwarder.CollectorConfiguration{
		{Host: "192.0.2.10"},
	}
	if err := relayStart(r, config, true); err != nil {
		t.Fatalf("relayStart() error:\n%+v", err)
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err      error
		expected int
	}{
		{nil, 0},
		{configError{errors.New("bad key")}, ExitConfig},
		{helpers.BindError{Err: errors.New("port in use")}, ExitBind},
		{errors.New("anything else"), ExitFatal},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.expected {
			t.Errorf("ExitCode(%v) == %d, expected %d", tc.err, got, tc.expected)
		}
	}
}
