// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package enricher

import (
	"context"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"nfrelay/common/daemon"
	"nfrelay/common/helpers"
	"nfrelay/common/reporter"
	"nfrelay/relay/counters"
	"nfrelay/relay/decoder"
)

// fixedASLookup resolves everything to the same AS number.
type fixedASLookup struct {
	as    uint32
	delay time.Duration
}

func (l *fixedASLookup) LookupAS(ctx context.Context, addr netip.Addr) (uint32, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return l.as, nil
}

func newTestComponent(t *testing.T, config Configuration, lookup ASLookup) (*Component, *counters.Counters) {
	t.Helper()
	r := reporter.NewMock(t)
	cnt := counters.New()
	c, err := New(r, config, Dependencies{
		Daemon:   daemon.NewMock(t),
		Counters: cnt,
		AS:       lookup,
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	return c, cnt
}

// testRecord builds a datagram payload carrying src/dst addresses and
// AS fields, with a matching record view.
func testRecord(srcAS, dstAS uint32, asFieldLength int) (*decoder.Datagram, *decoder.Result) {
	payload := make([]byte, 8+2*asFieldLength)
	copy(payload[0:4], []byte{192, 0, 2, 1})
	copy(payload[4:8], []byte{198, 51, 100, 1})
	record := decoder.Record{
		SrcAddr:    netip.AddrFrom4([4]byte{192, 0, 2, 1}),
		DstAddr:    netip.AddrFrom4([4]byte{198, 51, 100, 1}),
		SrcAS:      srcAS,
		DstAS:      dstAS,
		SrcASField: 2,
		DstASField: 3,
		Fields: []decoder.Field{
			{ElementID: decoder.IESourceIPv4Address, Offset: 0, Length: 4},
			{ElementID: decoder.IEDestinationIPv4Address, Offset: 4, Length: 4},
			{ElementID: decoder.IEBgpSourceASNumber, Offset: 8, Length: asFieldLength},
			{ElementID: decoder.IEBgpDestinationASNumber, Offset: 8 + asFieldLength, Length: asFieldLength},
		},
	}
	if asFieldLength >= 4 {
		binary.BigEndian.PutUint32(payload[8:], srcAS)
		binary.BigEndian.PutUint32(payload[8+asFieldLength:], dstAS)
	}
	d := decoder.NewDatagram(payload, netip.MustParseAddrPort("10.0.0.1:5000"), time.Now(), nil)
	return d, &decoder.Result{Records: []decoder.Record{record}}
}

func TestExtractPresentAS(t *testing.T) {
	c, cnt := newTestComponent(t, DefaultConfiguration(), nil)
	d, result := testRecord(15169, 13335, 4)
	c.Process(d, result)

	snapshot := cnt.Snapshot()
	if snapshot.RecordsWithAS != 1 {
		t.Fatalf("RecordsWithAS == %d, expected 1", snapshot.RecordsWithAS)
	}
	if snapshot.RecordsEnriched != 0 {
		t.Fatalf("RecordsEnriched == %d, expected 0", snapshot.RecordsEnriched)
	}
	top := c.TopAS(DirectionSource)
	expected := []ASCount{{AS: 15169, Count: 1}}
	if diff := helpers.Diff(top, expected); diff != "" {
		t.Fatalf("TopAS() (-got, +want):\n%s", diff)
	}
}

func TestLookupFallback(t *testing.T) {
	c, cnt := newTestComponent(t, DefaultConfiguration(), &fixedASLookup{as: 64512})
	d, result := testRecord(0, 13335, 4)
	c.Process(d, result)

	if result.Records[0].SrcAS != 64512 {
		t.Fatalf("SrcAS == %d, expected 64512", result.Records[0].SrcAS)
	}
	snapshot := cnt.Snapshot()
	if snapshot.RecordsWithAS != 1 || snapshot.RecordsEnriched != 1 {
		t.Fatalf("counters: %+v", snapshot)
	}
	// Not configured to rewrite: the wire bytes keep the zero AS.
	if as := binary.BigEndian.Uint32(d.Payload[8:]); as != 0 {
		t.Fatalf("wire AS == %d, expected 0", as)
	}
}

func TestEnrichInPlace(t *testing.T) {
	config := DefaultConfiguration()
	config.EnrichInPlace = true
	c, cnt := newTestComponent(t, config, &fixedASLookup{as: 64512})
	d, result := testRecord(0, 13335, 4)
	c.Process(d, result)

	if as := binary.BigEndian.Uint32(d.Payload[8:]); as != 64512 {
		t.Fatalf("wire AS == %d, expected 64512", as)
	}
	if snapshot := cnt.Snapshot(); snapshot.ASRewritten != 1 {
		t.Fatalf("ASRewritten == %d, expected 1", snapshot.ASRewritten)
	}
	// The untouched destination field keeps its bytes.
	if as := binary.BigEndian.Uint32(d.Payload[12:]); as != 13335 {
		t.Fatalf("destination wire AS == %d, expected 13335", as)
	}
}

func TestEnrichInPlaceShortField(t *testing.T) {
	config := DefaultConfiguration()
	config.EnrichInPlace = true
	c, cnt := newTestComponent(t, config, &fixedASLookup{as: 64512})
	d, result := testRecord(0, 0, 2)
	c.Process(d, result)

	// A 2-byte field cannot carry a 32-bit AS: view only.
	if result.Records[0].SrcAS != 64512 {
		t.Fatalf("SrcAS == %d, expected 64512", result.Records[0].SrcAS)
	}
	if snapshot := cnt.Snapshot(); snapshot.ASRewritten != 0 {
		t.Fatalf("ASRewritten == %d, expected 0", snapshot.ASRewritten)
	}
	if d.Payload[8] != 0 || d.Payload[9] != 0 {
		t.Fatal("short wire field was rewritten")
	}
}

func TestLookupTimeout(t *testing.T) {
	config := DefaultConfiguration()
	config.LookupTimeout = time.Millisecond
	c, _ := newTestComponent(t, config, &fixedASLookup{as: 64512, delay: 20 * time.Millisecond})
	d, result := testRecord(0, 13335, 4)
	c.Process(d, result)

	// The lookup came back too late: result discarded.
	if result.Records[0].SrcAS != 0 {
		t.Fatalf("SrcAS == %d, expected 0", result.Records[0].SrcAS)
	}
}

func TestExtractionDisabled(t *testing.T) {
	config := DefaultConfiguration()
	config.ASExtraction = false
	c, cnt := newTestComponent(t, config, &fixedASLookup{as: 64512})
	d, result := testRecord(0, 13335, 4)
	c.Process(d, result)

	if result.Records[0].SrcAS != 0 {
		t.Fatalf("SrcAS == %d, expected 0", result.Records[0].SrcAS)
	}
	if snapshot := cnt.Snapshot(); snapshot.RecordsWithAS != 0 {
		t.Fatalf("RecordsWithAS == %d, expected 0", snapshot.RecordsWithAS)
	}
}

func TestOptionsRecordsSkipped(t *testing.T) {
	c, cnt := newTestComponent(t, DefaultConfiguration(), nil)
	d, result := testRecord(15169, 13335, 4)
	result.Records[0].Options = true
	c.Process(d, result)

	if snapshot := cnt.Snapshot(); snapshot.RecordsWithAS != 0 {
		t.Fatalf("RecordsWithAS == %d, expected 0", snapshot.RecordsWithAS)
	}
}
