// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package decoder handles the protocol-independent part of flow
// datagram decoding: the datagram representation, the decoded record
// model and the decoder interface.
package decoder

import (
	"errors"
	"net/netip"
	"time"
)

// Datagram is one received flow-export datagram. The payload is owned
// by the datagram: Release returns it to its originating pool once the
// datagram has been forwarded or dropped.
type Datagram struct {
	Payload  []byte
	Source   netip.AddrPort
	Received time.Time

	release func()
}

// NewDatagram builds a datagram from a payload. release may be nil.
func NewDatagram(payload []byte, source netip.AddrPort, received time.Time, release func()) *Datagram {
	return &Datagram{
		Payload:  payload,
		Source:   source,
		Received: received,
		release:  release,
	}
}

// Exporter returns the exporter address of the datagram.
func (d *Datagram) Exporter() netip.Addr {
	return d.Source.Addr()
}

// Release gives the payload buffer back to its pool. The datagram
// must not be used afterwards.
func (d *Datagram) Release() {
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

// Well-known IPFIX information elements (also used by NetFlow v9
// field types, which share the same registry below 128).
const (
	IEOctetDeltaCount        = 1
	IEPacketDeltaCount       = 2
	IEProtocolIdentifier     = 4
	IESourceIPv4Address      = 8
	IEIngressInterface       = 10
	IEDestinationIPv4Address = 12
	IEEgressInterface        = 14
	IEBgpSourceASNumber      = 16
	IEBgpDestinationASNumber = 17
	IESourceIPv6Address      = 27
	IEDestinationIPv6Address = 28
)

// Field is one decoded field of a record. Offset and Length locate
// the value inside the original datagram payload, enabling in-place
// rewrites without reencoding.
type Field struct {
	ElementID    uint16
	EnterpriseID uint32
	Offset       int
	Length       int
}

// Record is one decoded flow record: the raw field list plus a
// structured view of the well-known elements the enricher needs.
type Record struct {
	TemplateID uint16
	Options    bool
	Fields     []Field

	SrcAS    uint32
	DstAS    uint32
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	Protocol uint8
	Bytes    uint64
	Packets  uint64
	InIf     uint32
	OutIf    uint32

	// Indexes into Fields for the AS fields, -1 when absent.
	SrcASField int
	DstASField int
}

// Result is the outcome of decoding one datagram.
type Result struct {
	Version             uint16
	SequenceNumber      uint32
	ObservationDomainID uint32
	Records             []Record
	TemplatesInstalled  int
	OrphanSets          int
}

// Decoding errors. They are values: decode failures are counted and
// logged, never thrown.
var (
	ErrTruncatedHeader    = errors.New("truncated header")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrLengthMismatch     = errors.New("length field does not match datagram length")
	ErrTruncatedSet       = errors.New("truncated set")
	ErrMalformedTemplate  = errors.New("malformed template record")
	ErrTruncatedRecord    = errors.New("truncated data record")
)

// Decoder is the interface each wire-format decoder should implement.
type Decoder interface {
	// Decode parses a datagram and returns the decoded records.
	// The returned error is one of the errors above (possibly
	// wrapped); the caller accounts for it.
	Decode(d *Datagram) (*Result, error)

	// Name returns the decoder name.
	Name() string
}
