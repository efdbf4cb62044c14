// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package geoip

import (
	"context"
	"net"
	"net/netip"
)

type maxmindDBASN struct {
	AutonomousSystemNumber uint `maxminddb:"autonomous_system_number"`
}

type maxmindDBCountry struct {
	Country struct {
		IsoCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// LookupAS returns the AS number for the provided IP address. A zero
// AS number is a miss.
func (c *Component) LookupAS(_ context.Context, addr netip.Addr) (uint32, error) {
	db := c.db.asn.Load()
	if db == nil {
		return 0, ErrNoDatabase
	}
	var asn maxmindDBASN
	if err := db.Lookup(net.IP(addr.AsSlice()), &asn); err != nil {
		c.metrics.databaseMiss.WithLabelValues("asn").Inc()
		return 0, err
	}
	if asn.AutonomousSystemNumber == 0 {
		c.metrics.databaseMiss.WithLabelValues("asn").Inc()
		return 0, nil
	}
	c.metrics.databaseHit.WithLabelValues("asn").Inc()
	return uint32(asn.AutonomousSystemNumber), nil
}

// LookupCountry returns the ISO country code for the provided IP
// address. An empty code is a miss.
func (c *Component) LookupCountry(_ context.Context, addr netip.Addr) (string, error) {
	db := c.db.geo.Load()
	if db == nil {
		return "", ErrNoDatabase
	}
	var country maxmindDBCountry
	if err := db.Lookup(net.IP(addr.AsSlice()), &country); err != nil {
		c.metrics.databaseMiss.WithLabelValues("geo").Inc()
		return "", err
	}
	if country.Country.IsoCode == "" {
		c.metrics.databaseMiss.WithLabelValues("geo").Inc()
		return "", nil
	}
	c.metrics.databaseHit.WithLabelValues("geo").Inc()
	return country.Country.IsoCode, nil
}
