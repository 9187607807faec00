// Package dict holds the immutable AVP dictionary: the lookup from
// (code, vendor-id) to name, data type and enumeration values.
package dict

import (
	"encoding/json"
	"fmt"
)

// DataType is the wire interpretation of an AVP payload.
type DataType int

const (
	None DataType = iota
	OctetString
	UTF8String
	DiameterIdentity
	DiameterURI
	Integer32
	Integer64
	Unsigned32
	Unsigned64
	Float32
	Float64
	Grouped
	Enumerated
	Time
	Address
)

func (t DataType) String() string {
	switch t {
	case OctetString:
		return "OctetString"
	case UTF8String:
		return "UTF8String"
	case DiameterIdentity:
		return "DiameterIdentity"
	case DiameterURI:
		return "DiameterURI"
	case Integer32:
		return "Integer32"
	case Integer64:
		return "Integer64"
	case Unsigned32:
		return "Unsigned32"
	case Unsigned64:
		return "Unsigned64"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case Grouped:
		return "Grouped"
	case Enumerated:
		return "Enumerated"
	case Time:
		return "Time"
	case Address:
		return "Address"
	default:
		return "None"
	}
}

func parseDataType(s string) DataType {
	switch s {
	case "OctetString":
		return OctetString
	case "UTF8String":
		return UTF8String
	case "DiameterIdentity":
		return DiameterIdentity
	case "DiameterURI":
		return DiameterURI
	case "Integer32":
		return Integer32
	case "Integer64":
		return Integer64
	case "Unsigned32":
		return Unsigned32
	case "Unsigned64":
		return Unsigned64
	case "Float32":
		return Float32
	case "Float64":
		return Float64
	case "Grouped":
		return Grouped
	case "Enumerated":
		return Enumerated
	case "Time":
		return Time
	case "Address":
		return Address
	default:
		return None
	}
}

// AVPKey identifies a dictionary entry. Vendor-id 0 is the IETF base space.
type AVPKey struct {
	VendorID uint32
	Code     uint32
}

// Item is one dictionary entry.
type Item struct {
	VendorID  uint32
	Code      uint32
	Name      string
	Type      DataType
	Mandatory bool
	EnumNames map[int32]string
	EnumCodes map[string]int32
	// Group lists, for a Grouped AVP, the (code, vendor) pairs that may
	// legally appear inside it. Nil means no occurrence checking is done.
	Group []AVPKey
}

// Dictionary is an immutable (code, vendor-id) -> Item lookup table.
type Dictionary struct {
	byCode map[AVPKey]*Item
	byName map[string]*Item
}

func newEmpty() *Dictionary {
	return &Dictionary{byCode: map[AVPKey]*Item{}, byName: map[string]*Item{}}
}

func (d *Dictionary) add(it *Item) {
	d.byCode[AVPKey{it.VendorID, it.Code}] = it
	d.byName[it.Name] = it
}

// ByCode looks up an entry by (vendor-id, code). vendor-id 0 means the base
// (non-vendor) space.
func (d *Dictionary) ByCode(vendorID, code uint32) (*Item, bool) {
	it, ok := d.byCode[AVPKey{vendorID, code}]
	return it, ok
}

// ByName looks up an entry by its configured name.
func (d *Dictionary) ByName(name string) (*Item, bool) {
	it, ok := d.byName[name]
	return it, ok
}

// jsonDictionary mirrors the on-disk JSON shape: a flat list of AVPs, each
// optionally vendor-scoped, with an optional nested enum list and an
// optional group member list for Grouped types.
type jsonAVP struct {
	Code      uint32            `json:"code"`
	VendorID  uint32            `json:"vendorId"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Mandatory bool              `json:"mandatory"`
	Enum      map[string]int32  `json:"enum"`
	Group     []jsonGroupMember `json:"group"`
}

type jsonGroupMember struct {
	Code     uint32 `json:"code"`
	VendorID uint32 `json:"vendorId"`
}

type jsonDictionary struct {
	AVPs []jsonAVP `json:"avps"`
}

// FromJSON parses a dictionary document. The reference format is JSON (the
// XML format documented for the external management service is translated
// to this shape before reaching the DSC process).
func FromJSON(data []byte) (*Dictionary, error) {
	var doc jsonDictionary
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing dictionary json: %w", err)
	}
	d := newEmpty()
	for _, a := range doc.AVPs {
		it := &Item{
			VendorID:  a.VendorID,
			Code:      a.Code,
			Name:      a.Name,
			Type:      parseDataType(a.Type),
			Mandatory: a.Mandatory,
		}
		if len(a.Enum) > 0 {
			it.EnumCodes = a.Enum
			it.EnumNames = make(map[int32]string, len(a.Enum))
			for name, code := range a.Enum {
				it.EnumNames[code] = name
			}
		}
		for _, g := range a.Group {
			it.Group = append(it.Group, AVPKey{VendorID: g.VendorID, Code: g.Code})
		}
		if _, exists := d.byCode[AVPKey{it.VendorID, it.Code}]; exists {
			return nil, fmt.Errorf("duplicate dictionary entry for vendor %d code %d", it.VendorID, it.Code)
		}
		d.add(it)
	}
	return d, nil
}

// Base returns the built-in dictionary of AVPs the core itself needs to
// operate (session/routing/peer-handshake AVPs), independent of any
// operator-supplied vendor dictionary. Vendor dictionaries loaded with
// FromJSON should be merged on top via Merge.
func Base() *Dictionary {
	d := newEmpty()
	base := []*Item{
		{Code: 263, Name: "Session-Id", Type: UTF8String, Mandatory: true},
		{Code: 264, Name: "Origin-Host", Type: DiameterIdentity, Mandatory: true},
		{Code: 296, Name: "Origin-Realm", Type: DiameterIdentity, Mandatory: true},
		{Code: 293, Name: "Destination-Host", Type: DiameterIdentity, Mandatory: true},
		{Code: 283, Name: "Destination-Realm", Type: DiameterIdentity, Mandatory: true},
		{Code: 268, Name: "Result-Code", Type: Unsigned32, Mandatory: true},
		{Code: 282, Name: "Route-Record", Type: DiameterIdentity, Mandatory: false},
		{Code: 258, Name: "Auth-Application-Id", Type: Unsigned32, Mandatory: true},
		{Code: 259, Name: "Acct-Application-Id", Type: Unsigned32, Mandatory: true},
		{Code: 260, Name: "Vendor-Specific-Application-Id", Type: Grouped, Mandatory: true},
		{Code: 273, Name: "Disconnect-Cause", Type: Enumerated, Mandatory: true, EnumNames: map[int32]string{0: "REBOOTING", 1: "BUSY", 2: "DO_NOT_WANT_TO_TALK_TO_YOU"}},
		{Code: 278, Name: "Origin-State-Id", Type: Unsigned32, Mandatory: false},
		{Code: 281, Name: "Error-Message", Type: UTF8String, Mandatory: false},
		{Code: 257, Name: "Host-IP-Address", Type: Address, Mandatory: true},
		{Code: 266, Name: "Vendor-Id", Type: Unsigned32, Mandatory: true},
		{Code: 269, Name: "Product-Name", Type: UTF8String, Mandatory: false},
		{Code: 267, Name: "Firmware-Revision", Type: Unsigned32, Mandatory: false},
		{Code: 299, Name: "Inband-Security-Id", Type: Unsigned32, Mandatory: false},
		{Code: 265, Name: "Supported-Vendor-Id", Type: Unsigned32, Mandatory: false},
		{Code: 262, Name: "Vendor-Id-Wildcard", Type: Unsigned32, Mandatory: false},
		{Code: 270, Name: "Session-Timeout", Type: Unsigned32, Mandatory: false},
		{Code: 274, Name: "E2E-Sequence", Type: Grouped, Mandatory: false},
		{Code: 279, Name: "Failed-AVP", Type: Grouped, Mandatory: false},
		{Code: 280, Name: "Proxy-Host", Type: DiameterIdentity, Mandatory: false},
		{Code: 284, Name: "Proxy-Info", Type: Grouped, Mandatory: false},
		{Code: 285, Name: "Re-Auth-Request-Type", Type: Enumerated, Mandatory: false},
		{Code: 287, Name: "Accounting-Sub-Session-Id", Type: Unsigned64, Mandatory: false},
	}
	for _, it := range base {
		d.add(it)
	}
	return d
}

// Merge returns a new Dictionary containing every entry of base plus every
// entry of overlay; overlay entries win on key collision. Used to layer an
// operator-supplied vendor dictionary on top of Base().
func Merge(base, overlay *Dictionary) *Dictionary {
	d := newEmpty()
	for k, v := range base.byCode {
		d.byCode[k] = v
	}
	for k, v := range base.byName {
		d.byName[k] = v
	}
	for k, v := range overlay.byCode {
		d.byCode[k] = v
	}
	for k, v := range overlay.byName {
		d.byName[k] = v
	}
	return d
}
