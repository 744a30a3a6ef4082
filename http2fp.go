package cloak

import (
	"strconv"
	"strings"
)

// HTTP2Setting is one SETTINGS entry in fingerprint order.
type HTTP2Setting struct {
	ID  uint16
	Val uint32
}

// HTTP2Priority mirrors the priority fields of a HEADERS frame.
type HTTP2Priority struct {
	StreamID  uint32
	Exclusive bool
	DependsOn uint32
	Weight    uint8
}

// HTTP2Fingerprint is the parsed Akamai-format HTTP/2 fingerprint. Settings
// appear exactly as declared; anything the fingerprint omits is never sent.
type HTTP2Fingerprint struct {
	Settings     []HTTP2Setting
	WindowUpdate uint32 // 0 means no connection-level WINDOW_UPDATE
	Priority     *HTTP2Priority
	PseudoOrder  []string // ":method" etc., in header-block order

	raw string
}

// Hash returns a short stable digest of the fingerprint for pool keying.
func (fp *HTTP2Fingerprint) Hash() string {
	if fp == nil {
		return ""
	}

	return digest12(fp.raw)
}

// pseudoHeaderNames maps the fingerprint's single-letter codes to the
// pseudo-header names they stand for.
var pseudoHeaderNames = map[byte]string{
	'm': ":method",
	'p': ":path",
	'a': ":authority",
	's': ":scheme",
}

// ParseHTTP2Fingerprint parses an Akamai-format HTTP/2 fingerprint:
//
//	settings|window_update|priority|pseudo_order
//
// e.g. "1:65536;2:0;4:6291456|15663105|0|m,a,s,p". Settings preserve
// declared order. A window_update or priority of "0" means absent.
func ParseHTTP2Fingerprint(s string) (*HTTP2Fingerprint, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return nil, &FingerprintParseError{
			Format: "http2",
			Msg:    "expected 4 pipe-separated fields, got " + strconv.Itoa(len(parts)),
		}
	}

	fp := &HTTP2Fingerprint{raw: s}

	if parts[0] != "" && parts[0] != "0" {
		for i, pair := range strings.Split(parts[0], ";") {
			id, val, ok := strings.Cut(pair, ":")
			if !ok {
				return nil, &FingerprintParseError{Format: "http2", Field: pair, Pos: i, Msg: "setting must be id:value"}
			}

			idN, err := strconv.ParseUint(id, 10, 16)
			if err != nil {
				return nil, &FingerprintParseError{Format: "http2", Field: id, Pos: i, Msg: "setting id is not decimal"}
			}

			valN, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return nil, &FingerprintParseError{Format: "http2", Field: val, Pos: i, Msg: "setting value is not decimal"}
			}

			fp.Settings = append(fp.Settings, HTTP2Setting{ID: uint16(idN), Val: uint32(valN)})
		}
	}

	wu, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, &FingerprintParseError{Format: "http2", Field: parts[1], Msg: "window update is not decimal"}
	}

	fp.WindowUpdate = uint32(wu)

	if parts[2] != "" && parts[2] != "0" {
		prio, err := parseHTTP2Priority(parts[2])
		if err != nil {
			return nil, err
		}

		fp.Priority = prio
	}

	order := strings.Split(parts[3], ",")
	if len(order) != 4 {
		return nil, &FingerprintParseError{Format: "http2", Field: parts[3], Msg: "pseudo order must name all of m,p,a,s"}
	}

	seen := make(map[byte]bool, 4)

	for _, tok := range order {
		if len(tok) != 1 {
			return nil, &FingerprintParseError{Format: "http2", Field: tok, Msg: "pseudo order token must be one letter"}
		}

		name, ok := pseudoHeaderNames[tok[0]]
		if !ok || seen[tok[0]] {
			return nil, &FingerprintParseError{Format: "http2", Field: tok, Msg: "pseudo order must be a permutation of m,p,a,s"}
		}

		seen[tok[0]] = true
		fp.PseudoOrder = append(fp.PseudoOrder, name)
	}

	return fp, nil
}

// parseHTTP2Priority parses "streamID:exclusive:depends:weight".
func parseHTTP2Priority(s string) (*HTTP2Priority, error) {
	toks := strings.Split(s, ":")
	if len(toks) != 4 {
		return nil, &FingerprintParseError{Format: "http2", Field: s, Msg: "priority must be stream:exclusive:depends:weight"}
	}

	stream, err := strconv.ParseUint(toks[0], 10, 32)
	if err != nil {
		return nil, &FingerprintParseError{Format: "http2", Field: toks[0], Msg: "priority stream id is not decimal"}
	}

	excl, err := strconv.ParseUint(toks[1], 10, 1)
	if err != nil {
		return nil, &FingerprintParseError{Format: "http2", Field: toks[1], Msg: "priority exclusive flag must be 0 or 1"}
	}

	dep, err := strconv.ParseUint(toks[2], 10, 32)
	if err != nil {
		return nil, &FingerprintParseError{Format: "http2", Field: toks[2], Msg: "priority dependency is not decimal"}
	}

	weight, err := strconv.ParseUint(toks[3], 10, 8)
	if err != nil {
		return nil, &FingerprintParseError{Format: "http2", Field: toks[3], Msg: "priority weight is not decimal"}
	}

	return &HTTP2Priority{
		StreamID:  uint32(stream),
		Exclusive: excl == 1,
		DependsOn: uint32(dep),
		Weight:    uint8(weight),
	}, nil
}
