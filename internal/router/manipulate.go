package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coriolis-dsc/dsc/internal/codec"
	"github.com/coriolis-dsc/dsc/internal/config"
	"github.com/coriolis-dsc/dsc/internal/dict"
)

// applyManipulation runs every rule of the given direction in ascending
// priority order. rules is assumed already sorted by config.Validate (this
// function does not re-sort on the hot path). Each rule whose condition
// matches runs all its actions in order, in place; rules do not re-match
// after their own actions modify the message.
func applyManipulation(m *codec.Message, rules []config.ManipulationRule, d *dict.Dictionary) {
	for i := range rules {
		rule := &rules[i]
		if !matchCondition(m, &rule.Condition) {
			continue
		}
		for j := range rule.Actions {
			runAction(m, &rule.Actions[j], d)
		}
	}
}

func matchCondition(m *codec.Message, c *config.Condition) bool {
	if len(c.Matches) == 0 {
		return true
	}
	if c.Operator == config.Or {
		for i := range c.Matches {
			if matchOne(m, &c.Matches[i]) {
				return true
			}
		}
		return false
	}
	for i := range c.Matches {
		if !matchOne(m, &c.Matches[i]) {
			return false
		}
	}
	return true
}

func matchOne(m *codec.Message, match *config.Match) bool {
	var value string
	var exists bool

	if match.Target == config.TargetHeader {
		value, exists = headerField(m, match.HeaderField)
	} else {
		if a, ok := m.GetAVP(match.VendorID, match.AVPCode); ok {
			value = fmt.Sprintf("%v", a.Value)
			exists = true
		}
	}

	switch match.Op {
	case config.OpExists:
		return exists
	case config.OpEQ:
		return exists && value == match.Value
	case config.OpNE:
		return !exists || value != match.Value
	case config.OpRegex:
		// A regex against a missing AVP is false, not an error.
		if !exists {
			return false
		}
		re := match.Regex()
		return re != nil && re.MatchString(value)
	default:
		return false
	}
}

func headerField(m *codec.Message, field string) (string, bool) {
	switch field {
	case "command_code":
		return strconv.FormatUint(uint64(m.CommandCode), 10), true
	case "application_id":
		return strconv.FormatUint(uint64(m.ApplicationID), 10), true
	case "hop_by_hop_id":
		return strconv.FormatUint(uint64(m.HopByHopID), 10), true
	case "end_to_end_id":
		return strconv.FormatUint(uint64(m.EndToEndID), 10), true
	case "command_flags":
		return flagsString(m), true
	default:
		return "", false
	}
}

func flagsString(m *codec.Message) string {
	var b strings.Builder
	if m.IsRequest {
		b.WriteByte('R')
	}
	if m.IsProxiable {
		b.WriteByte('P')
	}
	if m.IsError {
		b.WriteByte('E')
	}
	if m.IsRetransmission {
		b.WriteByte('T')
	}
	return b.String()
}

func runAction(m *codec.Message, a *config.Action, d *dict.Dictionary) {
	switch a.Type {
	case config.ActionSetValue:
		setValue(m, a, d)
	case config.ActionAddAVP:
		addAVP(m, a, d)
	case config.ActionDeleteAVP:
		m.DeleteAVP(a.VendorID, a.AVPCode)
	case config.ActionRegexReplace:
		regexReplace(m, a)
	case config.ActionTopologyHide:
		topologyHide(m, a, d)
	}
}

// setValue replaces the first AVP with matching code, or behaves like
// ADD_AVP if absent.
func setValue(m *codec.Message, a *config.Action, d *dict.Dictionary) {
	t := dict.OctetString
	if it, ok := d.ByCode(a.VendorID, a.AVPCode); ok {
		t = it.Type
	}
	if existing, ok := m.GetAVP(a.VendorID, a.AVPCode); ok {
		v, err := encodeValue(t, a.Value)
		if err == nil {
			existing.Value = v
		}
		return
	}
	addAVP(m, a, d)
}

func addAVP(m *codec.Message, a *config.Action, d *dict.Dictionary) {
	t := dict.OctetString
	if it, ok := d.ByCode(a.VendorID, a.AVPCode); ok {
		t = it.Type
	}
	v, err := encodeValue(t, a.Value)
	if err != nil {
		return
	}
	m.Add(codec.AVP{Code: a.AVPCode, VendorID: a.VendorID, Value: v})
}

// regexReplace applies the pre-compiled pattern to the AVP's string form
// and stores the result; a no-op if the AVP is absent.
func regexReplace(m *codec.Message, a *config.Action) {
	existing, ok := m.GetAVP(a.VendorID, a.AVPCode)
	if !ok {
		return
	}
	re := a.CompiledPattern()
	if re == nil {
		return
	}
	s, ok := stringOf(existing.Value)
	if !ok {
		return
	}
	existing.Value = re.ReplaceAllString(s, a.Replacement)
}

// topologyHide implements the REPLACE_FIXED strategy: rewrite the
// configured host/realm AVPs and, if requested, strip every Route-Record
// whose value carries the internal realm suffix.
func topologyHide(m *codec.Message, a *config.Action, d *dict.Dictionary) {
	p := a.TopologyHide
	if p == nil {
		return
	}
	runAction(m, &config.Action{Type: config.ActionSetValue, AVPCode: p.HostAVPCode, Value: p.ReplacementHost}, d)
	runAction(m, &config.Action{Type: config.ActionSetValue, AVPCode: p.RealmAVPCode, Value: p.ReplacementRealm}, d)

	if !p.RemoveRouteRecord {
		return
	}
	out := m.AVPs[:0]
	for _, avp := range m.AVPs {
		if avp.Code == 282 && avp.VendorID == 0 {
			if s, ok := stringOf(avp.Value); ok && strings.HasSuffix(strings.ToLower(s), strings.ToLower(p.InternalRealmSuffix)) {
				continue
			}
		}
		out = append(out, avp)
	}
	m.AVPs = out
}

func stringOf(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

// encodeValue coerces a rule-configured string value into the Go-native
// type the dictionary declares for the target AVP, mirroring codec.NewAVP's
// coercion but operating on a raw (code, vendor) pair instead of a name.
func encodeValue(t dict.DataType, raw string) (interface{}, error) {
	switch t {
	case dict.UTF8String, dict.DiameterIdentity, dict.DiameterURI, dict.OctetString:
		return raw, nil
	case dict.Integer32, dict.Enumerated:
		n, err := strconv.ParseInt(raw, 10, 32)
		return int32(n), err
	case dict.Integer64:
		n, err := strconv.ParseInt(raw, 10, 64)
		return n, err
	case dict.Unsigned32:
		n, err := strconv.ParseUint(raw, 10, 32)
		return uint32(n), err
	case dict.Unsigned64:
		n, err := strconv.ParseUint(raw, 10, 64)
		return n, err
	case dict.Float32:
		n, err := strconv.ParseFloat(raw, 32)
		return float32(n), err
	case dict.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		return n, err
	default:
		return raw, nil
	}
}
