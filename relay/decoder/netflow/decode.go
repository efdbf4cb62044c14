// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package netflow

import (
	"fmt"
	"net/netip"

	"nfrelay/relay/decoder"
	"nfrelay/relay/templates"
)

const (
	nfv9HeaderLength  = 20
	ipfixHeaderLength = 16

	nfv9TemplateSetID         = 0
	nfv9OptionsTemplateSetID  = 1
	ipfixTemplateSetID        = 2
	ipfixOptionsTemplateSetID = 3
	minDataSetID              = 256

	enterpriseBit = 0x8000
)

func be16(payload []byte, off int) uint16 {
	return uint16(payload[off])<<8 | uint16(payload[off+1])
}

func be32(payload []byte, off int) uint32 {
	return uint32(payload[off])<<24 | uint32(payload[off+1])<<16 |
		uint32(payload[off+2])<<8 | uint32(payload[off+3])
}

// beUint decodes a big-endian unsigned integer of up to 8 bytes.
func beUint(value []byte) uint64 {
	var result uint64
	if len(value) > 8 {
		value = value[len(value)-8:]
	}
	for _, b := range value {
		result = result<<8 | uint64(b)
	}
	return result
}

// Decode decodes a NetFlow v9 or IPFIX datagram. The datagram is left
// untouched; decoded records reference its payload by offset.
func (nd *Decoder) Decode(d *decoder.Datagram) (*decoder.Result, error) {
	payload := d.Payload
	exporter := d.Exporter().Unmap()
	if len(payload) < 2 {
		nd.metrics.errors.WithLabelValues(exporter.String(), "truncated header").Inc()
		return nil, decoder.ErrTruncatedHeader
	}

	version := be16(payload, 0)
	switch version {
	case 9:
		return nd.decodeNetFlowV9(payload, exporter)
	case 10:
		return nd.decodeIPFIX(payload, exporter)
	}
	nd.metrics.errors.WithLabelValues(exporter.String(), "unsupported version").Inc()
	return nil, fmt.Errorf("%w (%d)", decoder.ErrUnsupportedVersion, version)
}

func (nd *Decoder) decodeNetFlowV9(payload []byte, exporter netip.Addr) (*decoder.Result, error) {
	exporterStr := exporter.String()
	if len(payload) < nfv9HeaderLength {
		nd.metrics.errors.WithLabelValues(exporterStr, "truncated header").Inc()
		return nil, decoder.ErrTruncatedHeader
	}
	res := &decoder.Result{
		Version:             9,
		SequenceNumber:      be32(payload, 12),
		ObservationDomainID: be32(payload, 16),
	}
	if err := nd.decodeSets(payload, nfv9HeaderLength, exporter, res); err != nil {
		return nil, err
	}
	nd.metrics.packets.WithLabelValues(exporterStr, "9").Inc()
	return res, nil
}

func (nd *Decoder) decodeIPFIX(payload []byte, exporter netip.Addr) (*decoder.Result, error) {
	exporterStr := exporter.String()
	if len(payload) < ipfixHeaderLength {
		nd.metrics.errors.WithLabelValues(exporterStr, "truncated header").Inc()
		return nil, decoder.ErrTruncatedHeader
	}
	if length := int(be16(payload, 2)); length != len(payload) {
		nd.metrics.errors.WithLabelValues(exporterStr, "length mismatch").Inc()
		return nil, fmt.Errorf("%w (announced %d, got %d)",
			decoder.ErrLengthMismatch, be16(payload, 2), len(payload))
	}
	res := &decoder.Result{
		Version:             10,
		SequenceNumber:      be32(payload, 8),
		ObservationDomainID: be32(payload, 12),
	}
	if err := nd.decodeSets(payload, ipfixHeaderLength, exporter, res); err != nil {
		return nil, err
	}
	nd.metrics.packets.WithLabelValues(exporterStr, "10").Inc()
	return res, nil
}

// decodeSets walks the sets of a datagram in wire order. Sets are
// bounds-checked against both their own length and the datagram;
// up to 3 bytes of trailing padding are ignored.
func (nd *Decoder) decodeSets(payload []byte, off int, exporter netip.Addr, res *decoder.Result) error {
	exporterStr := exporter.String()
	vStr := versionString(res.Version)
	key := templates.Key{Exporter: exporter, SourceID: res.ObservationDomainID}
	end := len(payload)

	for end-off >= 4 {
		setID := be16(payload, off)
		setLength := int(be16(payload, off+2))
		if setLength < 4 || off+setLength > end {
			nd.metrics.errors.WithLabelValues(exporterStr, "truncated set").Inc()
			return decoder.ErrTruncatedSet
		}
		setEnd := off + setLength

		var err error
		switch {
		case res.Version == 9 && setID == nfv9TemplateSetID,
			res.Version == 10 && setID == ipfixTemplateSetID:
			nd.countSet(exporterStr, vStr, "template")
			err = nd.decodeTemplateSet(payload, off+4, setEnd, key, res)
		case res.Version == 9 && setID == nfv9OptionsTemplateSetID:
			nd.countSet(exporterStr, vStr, "options-template")
			err = nd.decodeNFv9OptionsTemplateSet(payload, off+4, setEnd, key, res)
		case res.Version == 10 && setID == ipfixOptionsTemplateSetID:
			nd.countSet(exporterStr, vStr, "options-template")
			err = nd.decodeIPFIXOptionsTemplateSet(payload, off+4, setEnd, key, res)
		case setID >= minDataSetID:
			nd.countSet(exporterStr, vStr, "data")
			err = nd.decodeDataSet(payload, off+4, setEnd, key, setID, res)
		default:
			// Reserved set ID: skip the whole set.
			nd.countSet(exporterStr, vStr, "unknown")
		}
		if err != nil {
			nd.metrics.errors.WithLabelValues(exporterStr, "malformed set").Inc()
			return err
		}
		off = setEnd
	}
	return nil
}

// decodeTemplateSet parses a NetFlow v9 template flow set or an IPFIX
// template set and installs the definitions in the cache.
func (nd *Decoder) decodeTemplateSet(payload []byte, off, end int, key templates.Key, res *decoder.Result) error {
	for end-off >= 4 {
		templateID := be16(payload, off)
		fieldCount := int(be16(payload, off+2))
		off += 4
		if templateID < minDataSetID {
			return decoder.ErrMalformedTemplate
		}
		fields := make([]templates.FieldSpec, 0, fieldCount)
		for i := 0; i < fieldCount; i++ {
			if end-off < 4 {
				return decoder.ErrMalformedTemplate
			}
			spec := templates.FieldSpec{
				ElementID: be16(payload, off),
				Length:    be16(payload, off+2),
			}
			off += 4
			if res.Version == 10 && spec.ElementID&enterpriseBit != 0 {
				if end-off < 4 {
					return decoder.ErrMalformedTemplate
				}
				spec.ElementID &^= enterpriseBit
				spec.EnterpriseID = be32(payload, off)
				off += 4
			}
			fields = append(fields, spec)
		}
		if fieldCount == 0 {
			// Template withdrawal only exists on reliable
			// transports; over UDP an empty template is noise.
			continue
		}
		nd.install(key, res, &templates.Template{
			ID:     templateID,
			Kind:   templates.KindData,
			Fields: fields,
		})
	}
	return nil
}

// decodeNFv9OptionsTemplateSet parses a NetFlow v9 options template
// flow set: template ID, scope length and option length in bytes,
// then 4-byte (type, length) entries.
func (nd *Decoder) decodeNFv9OptionsTemplateSet(payload []byte, off, end int, key templates.Key, res *decoder.Result) error {
	for end-off >= 6 {
		templateID := be16(payload, off)
		scopeLength := int(be16(payload, off+2))
		optionLength := int(be16(payload, off+4))
		off += 6
		if templateID < minDataSetID || scopeLength%4 != 0 || optionLength%4 != 0 {
			return decoder.ErrMalformedTemplate
		}
		if end-off < scopeLength+optionLength {
			return decoder.ErrMalformedTemplate
		}
		count := (scopeLength + optionLength) / 4
		fields := make([]templates.FieldSpec, 0, count)
		for i := 0; i < count; i++ {
			fields = append(fields, templates.FieldSpec{
				ElementID: be16(payload, off),
				Length:    be16(payload, off+2),
			})
			off += 4
		}
		nd.install(key, res, &templates.Template{
			ID:              templateID,
			Kind:            templates.KindOptions,
			ScopeFieldCount: uint16(scopeLength / 4),
			Fields:          fields,
		})
	}
	return nil
}

// decodeIPFIXOptionsTemplateSet parses an IPFIX options template set:
// template ID, field count, scope field count, then field specifiers.
func (nd *Decoder) decodeIPFIXOptionsTemplateSet(payload []byte, off, end int, key templates.Key, res *decoder.Result) error {
	for end-off >= 6 {
		templateID := be16(payload, off)
		fieldCount := int(be16(payload, off+2))
		scopeFieldCount := int(be16(payload, off+4))
		off += 6
		if templateID < minDataSetID || scopeFieldCount > fieldCount {
			return decoder.ErrMalformedTemplate
		}
		fields := make([]templates.FieldSpec, 0, fieldCount)
		for i := 0; i < fieldCount; i++ {
			if end-off < 4 {
				return decoder.ErrMalformedTemplate
			}
			spec := templates.FieldSpec{
				ElementID: be16(payload, off),
				Length:    be16(payload, off+2),
			}
			off += 4
			if spec.ElementID&enterpriseBit != 0 {
				if end-off < 4 {
					return decoder.ErrMalformedTemplate
				}
				spec.ElementID &^= enterpriseBit
				spec.EnterpriseID = be32(payload, off)
				off += 4
			}
			fields = append(fields, spec)
		}
		if fieldCount == 0 {
			continue
		}
		nd.install(key, res, &templates.Template{
			ID:              templateID,
			Kind:            templates.KindOptions,
			ScopeFieldCount: uint16(scopeFieldCount),
			Fields:          fields,
		})
	}
	return nil
}

func (nd *Decoder) install(key templates.Key, res *decoder.Result, tmpl *templates.Template) {
	stored := nd.d.Templates.Put(key, tmpl)
	res.TemplatesInstalled++
	nd.metrics.templates.WithLabelValues(
		key.Exporter.String(),
		versionString(res.Version),
		fmt.Sprintf("%d", key.SourceID),
		fmt.Sprintf("%d", stored.ID),
		stored.Kind.String(),
	).Inc()
}

// decodeDataSet decodes the records of a data set. An unknown
// template makes the whole set an orphan: it is counted and skipped,
// the rest of the datagram is still processed.
func (nd *Decoder) decodeDataSet(payload []byte, off, end int, key templates.Key, setID uint16, res *decoder.Result) error {
	tmpl, ok := nd.d.Templates.Get(key, setID)
	if !ok {
		res.OrphanSets++
		nd.metrics.errors.WithLabelValues(key.Exporter.String(), "unknown template").Inc()
		nd.logOrphan(key.Exporter, key.SourceID, setID)
		return nil
	}
	minLength := tmpl.MinRecordLength()
	if minLength == 0 {
		return nil
	}
	for end-off >= minLength {
		record := decoder.Record{
			TemplateID: setID,
			Options:    tmpl.Kind == templates.KindOptions,
			Fields:     make([]decoder.Field, 0, len(tmpl.Fields)),
			SrcASField: -1,
			DstASField: -1,
		}
		for _, spec := range tmpl.Fields {
			length := int(spec.Length)
			if spec.Length == templates.VariableLength {
				if end-off < 1 {
					return decoder.ErrTruncatedRecord
				}
				length = int(payload[off])
				off++
				if length == 0xFF {
					if end-off < 2 {
						return decoder.ErrTruncatedRecord
					}
					length = int(be16(payload, off))
					off += 2
				}
			}
			if end-off < length {
				return decoder.ErrTruncatedRecord
			}
			field := decoder.Field{
				ElementID:    spec.ElementID,
				EnterpriseID: spec.EnterpriseID,
				Offset:       off,
				Length:       length,
			}
			record.Fields = append(record.Fields, field)
			if spec.EnterpriseID == 0 && !record.Options {
				applyView(&record, len(record.Fields)-1, payload)
			}
			off += length
		}
		res.Records = append(res.Records, record)
		nd.metrics.records.WithLabelValues(key.Exporter.String(), versionString(res.Version)).Inc()
	}
	return nil
}

// applyView updates the structured view of a record from the field at
// the given index.
func applyView(record *decoder.Record, index int, payload []byte) {
	field := record.Fields[index]
	value := payload[field.Offset : field.Offset+field.Length]
	switch field.ElementID {
	case decoder.IEOctetDeltaCount:
		record.Bytes = beUint(value)
	case decoder.IEPacketDeltaCount:
		record.Packets = beUint(value)
	case decoder.IEProtocolIdentifier:
		if len(value) > 0 {
			record.Protocol = value[len(value)-1]
		}
	case decoder.IESourceIPv4Address:
		if len(value) == 4 {
			record.SrcAddr = netip.AddrFrom4([4]byte(value))
		}
	case decoder.IEDestinationIPv4Address:
		if len(value) == 4 {
			record.DstAddr = netip.AddrFrom4([4]byte(value))
		}
	case decoder.IESourceIPv6Address:
		if len(value) == 16 {
			record.SrcAddr = netip.AddrFrom16([16]byte(value))
		}
	case decoder.IEDestinationIPv6Address:
		if len(value) == 16 {
			record.DstAddr = netip.AddrFrom16([16]byte(value))
		}
	case decoder.IEIngressInterface:
		record.InIf = uint32(beUint(value))
	case decoder.IEEgressInterface:
		record.OutIf = uint32(beUint(value))
	case decoder.IEBgpSourceASNumber:
		// 2-byte AS numbers are zero-extended.
		if len(value) == 2 || len(value) == 4 {
			record.SrcAS = uint32(beUint(value))
			record.SrcASField = index
		}
	case decoder.IEBgpDestinationASNumber:
		if len(value) == 2 || len(value) == 4 {
			record.DstAS = uint32(beUint(value))
			record.DstASField = index
		}
	}
}
