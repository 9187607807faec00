// Package codec implements the RFC 6733 wire format: the 20-byte Diameter
// message header and the AVP (Attribute-Value Pair) encoding, dictionary
// driven so that an AVP's Go-native Value matches its configured data type.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/coriolis-dsc/dsc/internal/dict"
)

const (
	flagVendor   = 0x80
	flagMandatry = 0x40
	flagProtect  = 0x20
)

// diameterEpoch is 1900-01-01, the reference point for the Time AVP type.
var diameterEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// AVP is the in-memory form of one Attribute-Value Pair. Value holds a
// Go-native representation whose concrete type is determined by the
// dictionary entry for (VendorID, Code):
//
//	OctetString      []byte
//	UTF8String       string
//	DiameterIdentity string
//	DiameterURI      string
//	Integer32        int32
//	Integer64        int64
//	Unsigned32       uint32
//	Unsigned64       uint64
//	Float32          float32
//	Float64          float64
//	Enumerated       int32
//	Time             time.Time
//	Address          net.IP
//	Grouped          []AVP
type AVP struct {
	Code       uint32
	VendorID   uint32
	Mandatory  bool
	Protected  bool
	Value      interface{}
	dictionary *dict.Dictionary
}

func (a *AVP) hasVendor() bool { return a.VendorID != 0 }

// dataType reports the dictionary type for this AVP, falling back to
// OctetString for AVPs the dictionary does not know about (so unknown AVPs
// still round-trip losslessly).
func (a *AVP) dataType() dict.DataType {
	if a.dictionary != nil {
		if it, ok := a.dictionary.ByCode(a.VendorID, a.Code); ok {
			return it.Type
		}
	}
	if _, ok := a.Value.([]AVP); ok {
		return dict.Grouped
	}
	return dict.OctetString
}

// NewAVP builds an AVP by dictionary name, coercing value into the Go type
// required by that name's data type. Returns an error if the name is
// unknown or the value cannot be coerced.
func NewAVP(d *dict.Dictionary, name string, value interface{}) (*AVP, error) {
	it, ok := d.ByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown AVP name %q", name)
	}
	v, err := coerce(it.Type, value)
	if err != nil {
		return nil, fmt.Errorf("AVP %s: %w", name, err)
	}
	return &AVP{Code: it.Code, VendorID: it.VendorID, Mandatory: it.Mandatory, Value: v, dictionary: d}, nil
}

func coerce(t dict.DataType, value interface{}) (interface{}, error) {
	switch t {
	case dict.OctetString:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	case dict.UTF8String, dict.DiameterIdentity, dict.DiameterURI:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case dict.Integer32, dict.Enumerated:
		if i, err := toInt64(value); err == nil {
			return int32(i), nil
		}
	case dict.Integer64:
		if i, err := toInt64(value); err == nil {
			return i, nil
		}
	case dict.Unsigned32:
		if i, err := toInt64(value); err == nil {
			return uint32(i), nil
		}
	case dict.Unsigned64:
		if i, err := toInt64(value); err == nil {
			return uint64(i), nil
		}
	case dict.Float32:
		if f, err := toFloat64(value); err == nil {
			return float32(f), nil
		}
	case dict.Float64:
		if f, err := toFloat64(value); err == nil {
			return f, nil
		}
	case dict.Time:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		}
	case dict.Address:
		switch v := value.(type) {
		case net.IP:
			return v, nil
		case string:
			if ip := net.ParseIP(v); ip != nil {
				return ip, nil
			}
			return nil, fmt.Errorf("invalid IP address %q", v)
		}
	case dict.Grouped:
		switch v := value.(type) {
		case []AVP:
			return v, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", value, t)
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", value)
	}
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", value)
	}
}

// payloadBytes serializes Value per its dictionary data type.
func (a *AVP) payloadBytes() ([]byte, error) {
	switch v := a.Value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case int32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return b, nil
	case int64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v))
		return b, nil
	case uint32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b, nil
	case uint64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		return b, nil
	case float32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(v))
		return b, nil
	case float64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(v))
		return b, nil
	case time.Time:
		secs := uint32(v.Sub(diameterEpoch).Seconds())
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, secs)
		return b, nil
	case net.IP:
		return marshalAddress(v), nil
	case []AVP:
		var out []byte
		for i := range v {
			b, err := v[i].MarshalBinary()
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported AVP value type %T", v)
	}
}

// marshalAddress encodes net.IP per the Diameter Address format: a 2-byte
// address family (1 = IPv4, 2 = IPv6) followed by the raw address bytes.
func marshalAddress(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		b := make([]byte, 2+4)
		binary.BigEndian.PutUint16(b, 1)
		copy(b[2:], v4)
		return b
	}
	v6 := ip.To16()
	b := make([]byte, 2+16)
	binary.BigEndian.PutUint16(b, 2)
	copy(b[2:], v6)
	return b
}

func unmarshalAddress(b []byte) (net.IP, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("address payload too short")
	}
	family := binary.BigEndian.Uint16(b)
	switch family {
	case 1:
		if len(b) < 6 {
			return nil, fmt.Errorf("IPv4 address payload too short")
		}
		return net.IP(b[2:6]), nil
	case 2:
		if len(b) < 18 {
			return nil, fmt.Errorf("IPv6 address payload too short")
		}
		return net.IP(b[2:18]), nil
	default:
		return nil, fmt.Errorf("unknown address family %d", family)
	}
}

// avpHeaderLen is the AVP header size excluding the optional Vendor-Id field.
const avpHeaderLen = 8

// Len returns the AVP Length field value: header + payload, excluding
// padding, as RFC 6733 requires on the wire.
func (a *AVP) Len() int {
	n := avpHeaderLen
	if a.hasVendor() {
		n += 4
	}
	payload, _ := a.payloadBytes()
	return n + len(payload)
}

// PaddedLen returns Len() rounded up to the next 4-byte boundary.
func (a *AVP) PaddedLen() int {
	l := a.Len()
	if pad := l % 4; pad != 0 {
		l += 4 - pad
	}
	return l
}

// MarshalBinary encodes the AVP including trailing zero padding.
func (a *AVP) MarshalBinary() ([]byte, error) {
	payload, err := a.payloadBytes()
	if err != nil {
		return nil, err
	}
	length := a.Len()
	buf := make([]byte, a.PaddedLen())
	binary.BigEndian.PutUint32(buf[0:4], a.Code)

	var flags byte
	if a.hasVendor() {
		flags |= flagVendor
	}
	if a.Mandatory {
		flags |= flagMandatry
	}
	if a.Protected {
		flags |= flagProtect
	}
	buf[4] = flags
	putUint24(buf[5:8], uint32(length))

	offset := 8
	if a.hasVendor() {
		binary.BigEndian.PutUint32(buf[8:12], a.VendorID)
		offset = 12
	}
	copy(buf[offset:], payload)
	return buf, nil
}

// WriteTo writes the encoded AVP to w, implementing io.WriterTo.
func (a *AVP) WriteTo(w io.Writer) (int64, error) {
	b, err := a.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadAVP decodes a single AVP from r using d to determine its Go-native
// value type. It returns the AVP and the total number of bytes consumed
// from r, including padding.
func ReadAVP(r io.Reader, d *dict.Dictionary) (*AVP, int, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, 0, err
	}
	code := binary.BigEndian.Uint32(hdr[0:4])
	flags := hdr[4]
	length := getUint24(hdr[5:8])
	if length < 8 {
		return nil, 0, fmt.Errorf("AVP code %d: length %d shorter than header", code, length)
	}
	consumed := 8
	var vendorID uint32
	if flags&flagVendor != 0 {
		vb := make([]byte, 4)
		if _, err := io.ReadFull(r, vb); err != nil {
			return nil, 0, err
		}
		vendorID = binary.BigEndian.Uint32(vb)
		consumed += 4
	}
	payloadLen := int(length) - consumed
	if payloadLen < 0 {
		return nil, 0, fmt.Errorf("AVP code %d: length %d too short for vendor header", code, length)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, 0, err
		}
	}
	consumed += payloadLen
	padded := consumed
	if pad := padded % 4; pad != 0 {
		padBytes := 4 - pad
		discard := make([]byte, padBytes)
		if _, err := io.ReadFull(r, discard); err != nil {
			return nil, 0, err
		}
		padded += padBytes
	}

	avp := &AVP{
		Code:      code,
		VendorID:  vendorID,
		Mandatory: flags&flagMandatry != 0,
		Protected: flags&flagProtect != 0,
		dictionary: d,
	}

	t := dict.OctetString
	var groupItem *dict.Item
	if it, ok := d.ByCode(vendorID, code); ok {
		t = it.Type
		groupItem = it
	}

	switch t {
	case dict.UTF8String, dict.DiameterIdentity, dict.DiameterURI:
		avp.Value = string(payload)
	case dict.Integer32, dict.Enumerated:
		if len(payload) >= 4 {
			avp.Value = int32(binary.BigEndian.Uint32(payload))
		}
	case dict.Integer64:
		if len(payload) >= 8 {
			avp.Value = int64(binary.BigEndian.Uint64(payload))
		}
	case dict.Unsigned32:
		if len(payload) >= 4 {
			avp.Value = binary.BigEndian.Uint32(payload)
		}
	case dict.Unsigned64:
		if len(payload) >= 8 {
			avp.Value = binary.BigEndian.Uint64(payload)
		}
	case dict.Float32:
		if len(payload) >= 4 {
			avp.Value = math.Float32frombits(binary.BigEndian.Uint32(payload))
		}
	case dict.Float64:
		if len(payload) >= 8 {
			avp.Value = math.Float64frombits(binary.BigEndian.Uint64(payload))
		}
	case dict.Time:
		if len(payload) >= 4 {
			secs := binary.BigEndian.Uint32(payload)
			avp.Value = diameterEpoch.Add(time.Duration(secs) * time.Second)
		}
	case dict.Address:
		ip, err := unmarshalAddress(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("AVP code %d: %w", code, err)
		}
		avp.Value = ip
	case dict.Grouped:
		children, err := readGroup(payload, d)
		if err != nil {
			return nil, 0, fmt.Errorf("AVP code %d grouped payload: %w", code, err)
		}
		if groupItem != nil && len(groupItem.Group) > 0 {
			if err := checkGroupMembers(children, groupItem); err != nil {
				return nil, 0, err
			}
		}
		avp.Value = children
	default:
		avp.Value = payload
	}

	return avp, padded, nil
}

func readGroup(payload []byte, d *dict.Dictionary) ([]AVP, error) {
	var out []AVP
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		child, _, err := ReadAVP(r, d)
		if err != nil {
			return nil, err
		}
		out = append(out, *child)
	}
	return out, nil
}

// checkGroupMembers validates that every child AVP's (vendor,code) is among
// the dictionary-declared legal members of a Grouped AVP.
func checkGroupMembers(children []AVP, it *dict.Item) error {
	allowed := make(map[dict.AVPKey]bool, len(it.Group))
	for _, k := range it.Group {
		allowed[k] = true
	}
	for _, c := range children {
		if !allowed[dict.AVPKey{VendorID: c.VendorID, Code: c.Code}] {
			return fmt.Errorf("AVP code %d not a legal member of grouped AVP %s", c.Code, it.Name)
		}
	}
	return nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// String returns a human-readable representation for logging.
func (a *AVP) String() string {
	name := fmt.Sprintf("%d", a.Code)
	if a.dictionary != nil {
		if it, ok := a.dictionary.ByCode(a.VendorID, a.Code); ok {
			name = it.Name
		}
	}
	return fmt.Sprintf("%s=%v", name, a.Value)
}
