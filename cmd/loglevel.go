// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package cmd

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevel is the logging verbosity in the configuration file.
type LogLevel string

// UnmarshalText parses a log level.
func (l *LogLevel) UnmarshalText(text []byte) error {
	level := strings.ToLower(string(text))
	switch level {
	case "debug", "info", "warning", "error":
		*l = LogLevel(level)
		return nil
	}
	return fmt.Errorf("unknown log level %q", string(text))
}

// MarshalText renders a log level.
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l), nil
}

// Level returns the matching zerolog level.
func (l LogLevel) Level() zerolog.Level {
	switch l {
	case "debug":
		return zerolog.DebugLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
