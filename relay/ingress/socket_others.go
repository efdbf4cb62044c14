// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !linux

package ingress

import "golang.org/x/sys/unix"

var (
	oobLength        = 0
	udpSocketOptions = []socketOption{
		{
			level:     unix.SOL_SOCKET,
			option:    unix.SO_REUSEADDR,
			mandatory: true,
		},
	}
)

// parseSocketControlMessage always returns an empty message.
func parseSocketControlMessage(_ []byte) (oobMessage, error) {
	return oobMessage{}, nil
}
