// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package ingress

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type oobMessage struct {
	Drops    uint32
	Received time.Time
}

// listenConfig configures the listening socket: address reuse plus,
// where supported, kernel drop counts and receive timestamps.
var listenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var err error
		c.Control(func(fd uintptr) {
			for _, opt := range udpSocketOptions {
				optErr := unix.SetsockoptInt(int(fd), opt.level, opt.option, 1)
				if optErr != nil && opt.mandatory {
					err = optErr
					return
				}
			}
		})
		return err
	},
}

type socketOption struct {
	level     int
	option    int
	mandatory bool
}
