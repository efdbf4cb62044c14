// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package templates

import (
	"net/netip"
	"time"
)

// Key identifies a template namespace: one observation domain (IPFIX)
// or source ID (NetFlow v9) of one exporter. Two source IDs from the
// same IP are independent namespaces.
type Key struct {
	Exporter netip.Addr
	SourceID uint32
}

// Kind distinguishes data templates from options templates.
type Kind uint8

// Template kinds.
const (
	KindData Kind = iota
	KindOptions
)

func (k Kind) String() string {
	if k == KindOptions {
		return "options"
	}
	return "data"
}

// VariableLength marks a variable-length field in a template (IPFIX only).
const VariableLength = 0xFFFF

// FieldSpec is one field of a template definition.
type FieldSpec struct {
	ElementID    uint16
	Length       uint16
	EnterpriseID uint32
}

// Template is the definition of one data record's on-wire layout.
type Template struct {
	ID              uint16
	Kind            Kind
	ScopeFieldCount uint16
	Fields          []FieldSpec
	ReceivedAt      time.Time
	Version         int

	minLength int
}

// MinRecordLength returns the smallest possible encoded size of one
// record of this template. Variable-length fields contribute their
// one-byte length prefix.
func (t *Template) MinRecordLength() int {
	return t.minLength
}

func (t *Template) computeMinLength() int {
	length := 0
	for _, f := range t.Fields {
		if f.Length == VariableLength {
			length++
			continue
		}
		length += int(f.Length)
	}
	return length
}

// sameLayout tells whether two templates describe the same wire layout.
func (t *Template) sameLayout(other *Template) bool {
	if t.Kind != other.Kind || t.ScopeFieldCount != other.ScopeFieldCount ||
		len(t.Fields) != len(other.Fields) {
		return false
	}
	for i := range t.Fields {
		if t.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}
