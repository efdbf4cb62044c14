// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package cmd

import (
	"errors"

	"nfrelay/common/helpers"
)

// configError wraps a configuration parsing or validation error.
type configError struct {
	err error
}

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// Process exit codes.
const (
	ExitConfig = 1
	ExitBind   = 2
	ExitFatal  = 3
)

// ExitCode maps an error to the process exit code: configuration
// errors, socket-bind failures and other fatal errors are told apart.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cerr configError
	if errors.As(err, &cerr) {
		return ExitConfig
	}
	var berr helpers.BindError
	if errors.As(err, &berr) {
		return ExitBind
	}
	return ExitFatal
}
