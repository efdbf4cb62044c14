// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package templates keeps the per-exporter template definitions
// required to decode NetFlow v9 and IPFIX data records. The cache is
// sharded to bound contention between decoding workers, capped in
// size and swept periodically for idle exporters.
package templates

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/tomb.v2"

	"nfrelay/common/daemon"
	"nfrelay/common/reporter"
)

// Component represents the template cache.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	t      tomb.Tomb
	config Configuration

	shards []*shard
	total  atomic.Int64
	seen   atomic.Uint64

	metrics struct {
		seen          reporter.CounterFunc
		current       reporter.GaugeFunc
		evictedIdle   reporter.Counter
		evictedLRU    reporter.Counter
		redefinitions reporter.Counter
	}
}

// Dependencies define the dependencies of the template cache.
type Dependencies struct {
	Daemon daemon.Component
	Clock  clock.Clock
}

type shard struct {
	mu        sync.RWMutex
	exporters map[Key]*exporterTemplates
}

type exporterTemplates struct {
	templates map[uint16]*Template
	lastSeen  atomic.Int64 // unix seconds, updated on both reads and writes
}

// New creates a new template cache.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	if dependencies.Clock == nil {
		dependencies.Clock = clock.New()
	}
	c := Component{
		r:      r,
		d:      &dependencies,
		config: configuration,
		shards: make([]*shard, configuration.Shards),
	}
	for i := range c.shards {
		c.shards[i] = &shard{exporters: make(map[Key]*exporterTemplates)}
	}
	c.d.Daemon.Track(&c.t, "relay/templates")

	c.metrics.seen = r.CounterFunc(
		reporter.CounterOpts{
			Name: "seen_total",
			Help: "Number of template records installed since startup.",
		}, func() float64 { return float64(c.seen.Load()) })
	c.metrics.current = r.GaugeFunc(
		reporter.GaugeOpts{
			Name: "current",
			Help: "Number of templates currently in the cache.",
		}, func() float64 { return float64(c.total.Load()) })
	c.metrics.evictedIdle = r.Counter(
		reporter.CounterOpts{
			Name: "evicted_idle_total",
			Help: "Templates evicted because their exporter went idle.",
		})
	c.metrics.evictedLRU = r.Counter(
		reporter.CounterOpts{
			Name: "evicted_lru_total",
			Help: "Templates evicted because the cache was full.",
		})
	c.metrics.redefinitions = r.Counter(
		reporter.CounterOpts{
			Name: "redefinitions_total",
			Help: "Templates redefined with a different layout.",
		})
	return &c, nil
}

// Start starts the janitor sweeping idle exporters.
func (c *Component) Start() error {
	c.r.Info().Msg("starting template cache")
	c.t.Go(func() error {
		ticker := c.d.Clock.Ticker(c.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.t.Dying():
				return nil
			case <-ticker.C:
				count := c.Sweep(c.d.Clock.Now())
				if count > 0 {
					c.r.Debug().Int("templates", count).Msg("swept idle exporters")
				}
			}
		}
	})
	return nil
}

// Stop stops the template cache.
func (c *Component) Stop() error {
	defer c.r.Info().Msg("template cache stopped")
	c.t.Kill(nil)
	return c.t.Wait()
}

func (c *Component) shardFor(key Key) *shard {
	h := fnv.New32a()
	addr := key.Exporter.As16()
	h.Write(addr[:])
	var b [4]byte
	b[0] = byte(key.SourceID >> 24)
	b[1] = byte(key.SourceID >> 16)
	b[2] = byte(key.SourceID >> 8)
	b[3] = byte(key.SourceID)
	h.Write(b[:])
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the template for the provided exporter key and template
// ID, if known. It refreshes the exporter's last-seen time.
func (c *Component) Get(key Key, id uint16) (*Template, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	entry, ok := s.exporters[key]
	var tmpl *Template
	if ok {
		tmpl, ok = entry.templates[id]
	}
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.lastSeen.Store(c.d.Clock.Now().Unix())
	return tmpl, true
}

// Observe refreshes the exporter's last-seen time without a lookup.
// The decoder does not call it: last-seen moves on Put and on a
// successful Get.
func (c *Component) Observe(key Key) {
	s := c.shardFor(key)
	s.mu.RLock()
	entry, ok := s.exporters[key]
	s.mu.RUnlock()
	if ok {
		entry.lastSeen.Store(c.d.Clock.Now().Unix())
	}
}

// Put installs a template, replacing any existing entry with the same
// ID. The version is bumped only when the layout actually changed.
// The returned template is the one now stored in the cache.
func (c *Component) Put(key Key, tmpl *Template) *Template {
	now := c.d.Clock.Now()
	tmpl.ReceivedAt = now
	tmpl.minLength = tmpl.computeMinLength()

	s := c.shardFor(key)
	s.mu.Lock()
	entry, ok := s.exporters[key]
	if !ok {
		entry = &exporterTemplates{templates: make(map[uint16]*Template)}
		s.exporters[key] = entry
	}
	prev, existed := entry.templates[tmpl.ID]
	switch {
	case !existed:
		tmpl.Version = 1
		c.total.Add(1)
	case prev.sameLayout(tmpl):
		// Refresh only: keep the existing version.
		tmpl.Version = prev.Version
	default:
		tmpl.Version = prev.Version + 1
		c.metrics.redefinitions.Inc()
	}
	entry.templates[tmpl.ID] = tmpl
	entry.lastSeen.Store(now.Unix())
	s.mu.Unlock()

	c.seen.Add(1)
	if max := int64(c.config.MaxTemplates); max > 0 && c.total.Load() > max {
		c.evictOldest()
	}
	return tmpl
}

// evictOldest drops the template with the oldest reception time. Only
// called at the cap, so the linear scan is off the hot path.
func (c *Component) evictOldest() {
	var (
		oldestShard *shard
		oldestKey   Key
		oldestID    uint16
		oldestAt    time.Time
	)
	for _, s := range c.shards {
		s.mu.RLock()
		for key, entry := range s.exporters {
			for id, tmpl := range entry.templates {
				if oldestAt.IsZero() || tmpl.ReceivedAt.Before(oldestAt) {
					oldestShard, oldestKey, oldestID, oldestAt = s, key, id, tmpl.ReceivedAt
				}
			}
		}
		s.mu.RUnlock()
	}
	if oldestShard == nil {
		return
	}
	oldestShard.mu.Lock()
	if entry, ok := oldestShard.exporters[oldestKey]; ok {
		if _, ok := entry.templates[oldestID]; ok {
			delete(entry.templates, oldestID)
			c.total.Add(-1)
			c.metrics.evictedLRU.Inc()
			if len(entry.templates) == 0 {
				delete(oldestShard.exporters, oldestKey)
			}
		}
	}
	oldestShard.mu.Unlock()
}

// Sweep evicts exporters not seen since the idle timeout. It returns
// the number of templates evicted.
func (c *Component) Sweep(now time.Time) int {
	deadline := now.Add(-c.config.IdleTimeout).Unix()
	count := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.exporters {
			if entry.lastSeen.Load() < deadline {
				count += len(entry.templates)
				c.total.Add(int64(-len(entry.templates)))
				delete(s.exporters, key)
			}
		}
		s.mu.Unlock()
	}
	if count > 0 {
		c.metrics.evictedIdle.Add(float64(count))
	}
	return count
}

// Count returns the number of templates currently cached.
func (c *Component) Count() int {
	return int(c.total.Load())
}

// Seen returns the number of template records installed since startup.
func (c *Component) Seen() uint64 {
	return c.seen.Load()
}

// Info describes one cached template for the statistics interface.
type Info struct {
	Exporter   Key
	TemplateID uint16
	Kind       Kind
	FieldCount int
	Version    int
	ReceivedAt time.Time
}

// Snapshot returns a copy of the cache inventory.
func (c *Component) Snapshot() []Info {
	result := []Info{}
	for _, s := range c.shards {
		s.mu.RLock()
		for key, entry := range s.exporters {
			for id, tmpl := range entry.templates {
				result = append(result, Info{
					Exporter:   key,
					TemplateID: id,
					Kind:       tmpl.Kind,
					FieldCount: len(tmpl.Fields),
					Version:    tmpl.Version,
					ReceivedAt: tmpl.ReceivedAt,
				})
			}
		}
		s.mu.RUnlock()
	}
	return result
}
