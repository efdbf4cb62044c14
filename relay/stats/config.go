// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package stats

import "time"

// Configuration describes the statistics server configuration.
type Configuration struct {
	// Listen tells which address and port to listen to. Keep it
	// on loopback: the protocol has no authentication.
	Listen string `validate:"required,listen"`
	// IdleTimeout closes client connections idle for too long.
	IdleTimeout time.Duration `validate:"min=1s"`
	// RateInterval is the EWMA window for packet rates and the
	// cadence of the periodic statistics log line.
	RateInterval time.Duration `validate:"min=1s"`
}

// DefaultConfiguration represents the default configuration for the
// statistics server.
func DefaultConfiguration() Configuration {
	return Configuration{
		Listen:       "127.0.0.1:9999",
		IdleTimeout:  time.Minute,
		RateInterval: time.Minute,
	}
}
