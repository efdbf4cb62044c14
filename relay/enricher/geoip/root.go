// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package geoip provides AS numbers and countries for IP addresses
// from MaxMind databases. Databases are reloaded when the files
// change on disk.
package geoip

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/maxminddb-golang"
	"gopkg.in/tomb.v2"

	"nfrelay/common/daemon"
	"nfrelay/common/reporter"
)

// ErrNoDatabase is returned when a lookup is attempted without a database.
var ErrNoDatabase = errors.New("no database configured")

// Component represents the GeoIP component.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	t      tomb.Tomb
	config Configuration

	db struct {
		asn atomic.Pointer[maxminddb.Reader]
		geo atomic.Pointer[maxminddb.Reader]
	}
	metrics struct {
		databaseRefresh *reporter.CounterVec
		databaseHit     *reporter.CounterVec
		databaseMiss    *reporter.CounterVec
	}
}

// Dependencies define the dependencies of the GeoIP component.
type Dependencies struct {
	Daemon daemon.Component
}

// New creates a new GeoIP component.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	c := Component{
		r:      r,
		d:      &dependencies,
		config: configuration,
	}
	if c.config.ASNDatabase != "" {
		c.config.ASNDatabase = filepath.Clean(c.config.ASNDatabase)
	}
	if c.config.GeoDatabase != "" {
		c.config.GeoDatabase = filepath.Clean(c.config.GeoDatabase)
	}
	c.d.Daemon.Track(&c.t, "relay/enricher/geoip")
	c.metrics.databaseRefresh = c.r.CounterVec(
		reporter.CounterOpts{
			Name: "db_refresh_total",
			Help: "Refresh events for a GeoIP database.",
		},
		[]string{"database"},
	)
	c.metrics.databaseHit = c.r.CounterVec(
		reporter.CounterOpts{
			Name: "db_hits_total",
			Help: "Number of hits for a GeoIP database.",
		},
		[]string{"database"},
	)
	c.metrics.databaseMiss = c.r.CounterVec(
		reporter.CounterOpts{
			Name: "db_misses_total",
			Help: "Number of misses for a GeoIP database.",
		},
		[]string{"database"},
	)
	return &c, nil
}

// openDatabase opens the provided database and swaps out the current
// one. Do nothing if the path is empty.
func (c *Component) openDatabase(which string, path string, container *atomic.Pointer[maxminddb.Reader]) error {
	if path == "" {
		return nil
	}
	c.r.Debug().Str("database", path).Msgf("opening %s database", which)
	db, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open %s database: %w", which, err)
	}
	old := container.Swap(db)
	c.metrics.databaseRefresh.WithLabelValues(which).Inc()
	if old != nil {
		old.Close()
	}
	return nil
}

// Start starts the GeoIP component.
func (c *Component) Start() error {
	if err := c.openDatabase("asn", c.config.ASNDatabase, &c.db.asn); err != nil {
		return err
	}
	if err := c.openDatabase("geo", c.config.GeoDatabase, &c.db.geo); err != nil {
		return err
	}
	if c.db.asn.Load() == nil && c.db.geo.Load() == nil {
		c.r.Warn().Msg("skipping GeoIP component: no database specified")
		return nil
	}

	c.r.Info().Msg("starting GeoIP component")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot setup watcher: %w", err)
	}
	dirs := map[string]bool{}
	for _, path := range []string{c.config.ASNDatabase, c.config.GeoDatabase} {
		if path != "" {
			dirs[filepath.Dir(path)] = true
		}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("cannot watch %s: %w", dir, err)
		}
	}
	c.t.Go(func() error {
		defer watcher.Close()
		for {
			select {
			case <-c.t.Dying():
				return nil
			case err := <-watcher.Errors:
				c.r.Err(err).Msg("error from watcher")
			case event := <-watcher.Events:
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				switch filepath.Clean(event.Name) {
				case c.config.ASNDatabase:
					if err := c.openDatabase("asn", c.config.ASNDatabase, &c.db.asn); err != nil {
						c.r.Err(err).Msg("cannot refresh ASN database")
					}
				case c.config.GeoDatabase:
					if err := c.openDatabase("geo", c.config.GeoDatabase, &c.db.geo); err != nil {
						c.r.Err(err).Msg("cannot refresh geo database")
					}
				}
			}
		}
	})
	return nil
}

// Stop stops the GeoIP component.
func (c *Component) Stop() error {
	defer func() {
		if db := c.db.asn.Swap(nil); db != nil {
			db.Close()
		}
		if db := c.db.geo.Swap(nil); db != nil {
			db.Close()
		}
		c.r.Info().Msg("GeoIP component stopped")
	}()
	c.r.Info().Msg("stopping GeoIP component")
	c.t.Kill(nil)
	return c.t.Wait()
}
