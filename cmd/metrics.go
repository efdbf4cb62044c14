// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"gopkg.in/tomb.v2"

	"nfrelay/common/daemon"
	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
)

// metricsServer exposes the Prometheus metrics over HTTP on loopback.
type metricsServer struct {
	r      *reporter.Reporter
	t      tomb.Tomb
	listen string
}

func newMetricsServer(r *reporter.Reporter, daemonComponent daemon.Component, listen string) *metricsServer {
	s := &metricsServer{
		r:      r,
		listen: listen,
	}
	daemonComponent.Track(&s.t, "cmd/metrics")
	return s
}

// Start binds the HTTP socket and serves /metrics.
func (s *metricsServer) Start() error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return helpers.BindError{Err: fmt.Errorf("unable to listen to %v: %w", s.listen, err)}
	}
	s.r.Info().Str("listen", s.listen).Msg("starting metrics endpoint")

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.r.MetricsHTTPHandler())
	server := &http.Server{Handler: mux}
	s.t.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.t.Go(func() error {
		<-s.t.Dying()
		return server.Close()
	})
	return nil
}

// Stop stops the metrics endpoint.
func (s *metricsServer) Stop() error {
	defer s.r.Info().Msg("metrics endpoint stopped")
	s.t.Kill(nil)
	return s.t.Wait()
}
