package fingerprint

import (
	"fmt"
	"strconv"
	"strings"
)

// HTTP/2 SETTINGS identifiers understood by ParseAkamai.
const (
	SettingHeaderTableSize       uint16 = 1
	SettingEnablePush            uint16 = 2
	SettingMaxConcurrentStreams  uint16 = 3
	SettingInitialWindowSize     uint16 = 4
	SettingMaxFrameSize          uint16 = 5
	SettingMaxHeaderListSize     uint16 = 6
	SettingEnableConnectProtocol uint16 = 8
	SettingNoRFC7540Priorities   uint16 = 9
)

// Setting is one SETTINGS entry in the order the browser sends it.
type Setting struct {
	ID  uint16
	Val uint32
}

var pseudoByID = map[string]string{
	"m": ":method",
	"a": ":authority",
	"s": ":scheme",
	"p": ":path",
}

// ParseAkamai parses an Akamai HTTP/2 fingerprint string into HTTP2Settings
// and pseudo-header order.
//
// Format: SETTINGS|WINDOW_UPDATE|PRIORITY|PSEUDO_HEADER_ORDER
//
// SETTINGS: semicolon-separated "id:value" pairs (e.g., "1:65536;3:1000;4:6291456")
// WINDOW_UPDATE: connection-level window update value
// PRIORITY: stream weight, 0 means no PRIORITY block is sent
// PSEUDO_HEADER_ORDER: comma-separated single-char pseudo-header identifiers
//
//	m = :method, a = :authority, s = :scheme, p = :path
//
// Example (Chrome): "1:65536;2:0;4:6291456;6:262144|15663105|256|m,a,s,p"
func ParseAkamai(akamai string) (*HTTP2Settings, []string, error) {
	parts := strings.Split(akamai, "|")
	if len(parts) != 4 {
		return nil, nil, fmt.Errorf("akamai: expected 4 pipe-separated fields, got %d", len(parts))
	}

	settings := &HTTP2Settings{}
	if err := parseSettings(parts[0], settings); err != nil {
		return nil, nil, err
	}

	if parts[1] != "" {
		windowUpdate, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("akamai: invalid window update %q: %w", parts[1], err)
		}
		settings.ConnectionWindowUpdate = uint32(windowUpdate)
	}

	if parts[2] != "" {
		weight, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 16)
		if err != nil {
			return nil, nil, fmt.Errorf("akamai: invalid priority weight %q: %w", parts[2], err)
		}
		if weight > 256 {
			return nil, nil, fmt.Errorf("akamai: priority weight %d out of range", weight)
		}
		if weight > 0 {
			settings.StreamWeight = uint16(weight)
			settings.StreamExclusive = true
		}
	}

	pseudoOrder, err := parsePseudoOrder(parts[3])
	if err != nil {
		return nil, nil, err
	}
	return settings, pseudoOrder, nil
}

func parseSettings(field string, settings *HTTP2Settings) error {
	if field == "" {
		return nil
	}
	for _, pair := range strings.Split(field, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return fmt.Errorf("akamai: invalid settings pair %q", pair)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 16)
		if err != nil {
			return fmt.Errorf("akamai: invalid settings id %q: %w", kv[0], err)
		}
		val, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 32)
		if err != nil {
			return fmt.Errorf("akamai: invalid settings value %q: %w", kv[1], err)
		}

		switch uint16(id) {
		case SettingHeaderTableSize:
			settings.HeaderTableSize = uint32(val)
		case SettingEnablePush:
			settings.EnablePush = val != 0
		case SettingMaxConcurrentStreams:
			settings.MaxConcurrentStreams = uint32(val)
		case SettingInitialWindowSize:
			settings.InitialWindowSize = uint32(val)
		case SettingMaxFrameSize:
			settings.MaxFrameSize = uint32(val)
		case SettingMaxHeaderListSize:
			settings.MaxHeaderListSize = uint32(val)
		case SettingEnableConnectProtocol:
			settings.EnableConnectProtocol = val != 0
		case SettingNoRFC7540Priorities:
			settings.NoRFC7540Priorities = val != 0
		}
		// Unknown IDs are still replayed on the wire, in order.
		settings.Order = append(settings.Order, Setting{ID: uint16(id), Val: uint32(val)})
	}
	return nil
}

func parsePseudoOrder(field string) ([]string, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}
	var order []string
	seen := make(map[string]bool, 4)
	for _, ch := range strings.Split(field, ",") {
		ch = strings.TrimSpace(ch)
		name, ok := pseudoByID[ch]
		if !ok {
			return nil, fmt.Errorf("akamai: unknown pseudo-header identifier %q", ch)
		}
		if seen[name] {
			return nil, fmt.Errorf("akamai: duplicate pseudo-header identifier %q", ch)
		}
		seen[name] = true
		order = append(order, name)
	}
	return order, nil
}

// FormatAkamai renders settings and a pseudo-header order back into the
// Akamai fingerprint format. Only :method, :authority, :scheme and :path
// are representable; other names are skipped.
func FormatAkamai(s *HTTP2Settings, pseudoOrder []string) string {
	var b strings.Builder
	for i, st := range s.Order {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%d:%d", st.ID, st.Val)
	}
	fmt.Fprintf(&b, "|%d|%d|", s.ConnectionWindowUpdate, s.StreamWeight)
	first := true
	for _, name := range pseudoOrder {
		for id, n := range pseudoByID {
			if n != name {
				continue
			}
			if !first {
				b.WriteByte(',')
			}
			b.WriteString(id)
			first = false
		}
	}
	return b.String()
}
