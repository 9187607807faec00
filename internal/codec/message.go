package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/coriolis-dsc/dsc/internal/dict"
)

// Result-Code values the core produces or inspects. Named per spec so a
// reader can match them against RFC 6733 / 3GPP TS 29.272 directly.
const (
	ResultSuccess               = 2001
	ResultUnableToDeliver       = 3002
	ResultRealmNotServed        = 3003
	ResultLoopDetected          = 3005
	ResultInvalidAVPValue       = 3008
	ResultUnableToComply        = 3010
	ResultMissingAVP            = 5005
	ResultNoCommonApplication   = 5010
	ResultUnknownPeer           = 5012
)

const headerLen = 20

// Message is the parsed form of one Diameter message.
type Message struct {
	Version          uint8
	IsRequest        bool
	IsProxiable      bool
	IsError          bool
	IsRetransmission bool
	CommandCode      uint32 // 24-bit
	ApplicationID    uint32
	HopByHopID       uint32
	EndToEndID       uint32
	AVPs             []AVP
}

func flagsByte(m *Message) byte {
	var f byte
	if m.IsRequest {
		f |= 0x80
	}
	if m.IsProxiable {
		f |= 0x40
	}
	if m.IsError {
		f |= 0x20
	}
	if m.IsRetransmission {
		f |= 0x10
	}
	return f
}

// Len returns the wire length of the message: 20-byte header plus the sum
// of each AVP's padded length.
func (m *Message) Len() int {
	n := headerLen
	for i := range m.AVPs {
		n += m.AVPs[i].PaddedLen()
	}
	return n
}

// MarshalBinary encodes the full message, header included.
func (m *Message) MarshalBinary() ([]byte, error) {
	var body bytes.Buffer
	for i := range m.AVPs {
		b, err := m.AVPs[i].MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshaling AVP %d: %w", m.AVPs[i].Code, err)
		}
		body.Write(b)
	}

	total := headerLen + body.Len()
	buf := make([]byte, headerLen, total)
	buf[0] = 1 // version
	putUint24(buf[1:4], uint32(total))
	buf[4] = flagsByte(m)
	putUint24(buf[5:8], m.CommandCode)
	binary.BigEndian.PutUint32(buf[8:12], m.ApplicationID)
	binary.BigEndian.PutUint32(buf[12:16], m.HopByHopID)
	binary.BigEndian.PutUint32(buf[16:20], m.EndToEndID)
	buf = append(buf, body.Bytes()...)
	return buf, nil
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadMessage parses one complete Diameter message from r, using d to type
// each AVP payload. It returns an error on a malformed header (RFC 6733 §3
// requires the connection be closed by the caller in that case) or if the
// declared message length does not match the sum of header + AVP lengths.
func ReadMessage(r io.Reader, d *dict.Dictionary) (*Message, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	version := hdr[0]
	if version != 1 {
		return nil, fmt.Errorf("unsupported Diameter version %d", version)
	}
	length := getUint24(hdr[1:4])
	if length < headerLen {
		return nil, fmt.Errorf("message length %d shorter than header", length)
	}
	flags := hdr[4]

	m := &Message{
		Version:          version,
		IsRequest:        flags&0x80 != 0,
		IsProxiable:      flags&0x40 != 0,
		IsError:          flags&0x20 != 0,
		IsRetransmission: flags&0x10 != 0,
		CommandCode:      getUint24(hdr[5:8]),
		ApplicationID:    binary.BigEndian.Uint32(hdr[8:12]),
		HopByHopID:       binary.BigEndian.Uint32(hdr[12:16]),
		EndToEndID:       binary.BigEndian.Uint32(hdr[16:20]),
	}

	bodyLen := int(length) - headerLen
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	br := bytes.NewReader(body)
	consumed := 0
	for br.Len() > 0 {
		avp, n, err := ReadAVP(br, d)
		if err != nil {
			return nil, fmt.Errorf("parsing AVP: %w", err)
		}
		m.AVPs = append(m.AVPs, *avp)
		consumed += n
	}
	if consumed != bodyLen {
		return nil, fmt.Errorf("message declared length %d but AVPs consumed %d", length, headerLen+consumed)
	}

	return m, nil
}

// AddAVP appends an AVP built from a dictionary name + value (see NewAVP).
func (m *Message) AddAVP(d *dict.Dictionary, name string, value interface{}) error {
	avp, err := NewAVP(d, name, value)
	if err != nil {
		return err
	}
	m.AVPs = append(m.AVPs, *avp)
	return nil
}

// Add appends an already-built AVP.
func (m *Message) Add(a AVP) {
	m.AVPs = append(m.AVPs, a)
}

// GetAVP returns the first AVP matching (vendorID, code).
func (m *Message) GetAVP(vendorID, code uint32) (*AVP, bool) {
	for i := range m.AVPs {
		if m.AVPs[i].VendorID == vendorID && m.AVPs[i].Code == code {
			return &m.AVPs[i], true
		}
	}
	return nil, false
}

// GetAllAVP returns every AVP matching (vendorID, code), in order.
func (m *Message) GetAllAVP(vendorID, code uint32) []*AVP {
	var out []*AVP
	for i := range m.AVPs {
		if m.AVPs[i].VendorID == vendorID && m.AVPs[i].Code == code {
			out = append(out, &m.AVPs[i])
		}
	}
	return out
}

// DeleteAVP removes every AVP matching (vendorID, code) and returns how
// many were removed.
func (m *Message) DeleteAVP(vendorID, code uint32) int {
	out := m.AVPs[:0]
	removed := 0
	for _, a := range m.AVPs {
		if a.VendorID == vendorID && a.Code == code {
			removed++
			continue
		}
		out = append(out, a)
	}
	m.AVPs = out
	return removed
}

// GetResultCode returns the value of the Result-Code AVP (268), if present.
func (m *Message) GetResultCode() (uint32, bool) {
	if a, ok := m.GetAVP(0, 268); ok {
		if v, ok := a.Value.(uint32); ok {
			return v, true
		}
	}
	return 0, false
}

// GetStringAVP returns the string form of the first matching AVP, coercing
// DiameterIdentity/UTF8String/OctetString values.
func (m *Message) GetStringAVP(vendorID, code uint32) (string, bool) {
	a, ok := m.GetAVP(vendorID, code)
	if !ok {
		return "", false
	}
	switch v := a.Value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// RouteRecords returns the string values of every Route-Record (282) AVP,
// in order of appearance.
func (m *Message) RouteRecords() []string {
	var out []string
	for _, a := range m.GetAllAVP(0, 282) {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HasRouteRecord reports whether any Route-Record AVP equals identity,
// case-insensitively (DiameterIdentity comparison per RFC 6733).
func (m *Message) HasRouteRecord(identity string) bool {
	for _, rr := range m.RouteRecords() {
		if strings.EqualFold(rr, identity) {
			return true
		}
	}
	return false
}

// Copy returns a deep-enough copy of m: the AVP slice is copied so that
// appends/deletes on the copy do not alias the original (AVP payload byte
// slices and Grouped children are shared, matching the "editable list of
// slice-or-owned-bytes" model — mutation replaces elements rather than
// mutating payloads in place).
func (m *Message) Copy() *Message {
	cp := *m
	cp.AVPs = make([]AVP, len(m.AVPs))
	copy(cp.AVPs, m.AVPs)
	return &cp
}

// NewAnswer builds the answer-shaped skeleton for a request: same command
// code, application id, hop-by-hop and end-to-end ids, R cleared.
func NewAnswer(req *Message) *Message {
	return &Message{
		Version:       1,
		IsRequest:     false,
		IsProxiable:   req.IsProxiable,
		CommandCode:   req.CommandCode,
		ApplicationID: req.ApplicationID,
		HopByHopID:    req.HopByHopID,
		EndToEndID:    req.EndToEndID,
	}
}

// NewErrorAnswer builds a locally-synthesized error answer: R=0, E=1, the
// given Result-Code, the request's Session-Id (when it has one), and
// Origin-Host/Origin-Realm set to the supplied originHost/originRealm.
func NewErrorAnswer(d *dict.Dictionary, req *Message, resultCode uint32, originHost, originRealm string) *Message {
	ans := NewAnswer(req)
	ans.IsError = true
	if sid, ok := req.GetStringAVP(0, 263); ok {
		ans.AddAVP(d, "Session-Id", sid)
	}
	ans.AddAVP(d, "Origin-Host", originHost)
	ans.AddAVP(d, "Origin-Realm", originRealm)
	ans.AddAVP(d, "Result-Code", resultCode)
	return ans
}
