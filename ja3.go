package cloak

import (
	"strconv"
	"strings"
)

// ParseJA3 parses a JA3 fingerprint string into a TransportSpec.
//
// The format is five comma-separated fields:
//
//	TLSVersion,Ciphers,Extensions,EllipticCurves,EllipticCurvePointFormats
//
// where every list is dash-separated decimal code points. GREASE values that
// leaked into the fingerprint are dropped; the synthesizer re-inserts fresh
// ones per handshake.
func ParseJA3(ja3 string) (*TransportSpec, error) {
	fields := strings.Split(ja3, ",")
	if len(fields) != 5 {
		return nil, &FingerprintParseError{
			Format: "ja3",
			Msg:    "expected 5 comma-separated fields, got " + strconv.Itoa(len(fields)),
		}
	}

	// pos tracks the character offset of the current field within ja3 so
	// parse errors point at the offending token.
	pos := 0

	version, err := parseJA3Value(fields[0], "version", pos)
	if err != nil {
		return nil, err
	}

	pos += len(fields[0]) + 1

	ciphers, err := parseJA3List(fields[1], "ciphers", pos)
	if err != nil {
		return nil, err
	}

	pos += len(fields[1]) + 1

	extensions, err := parseJA3List(fields[2], "extensions", pos)
	if err != nil {
		return nil, err
	}

	pos += len(fields[2]) + 1

	curves, err := parseJA3List(fields[3], "curves", pos)
	if err != nil {
		return nil, err
	}

	pos += len(fields[3]) + 1

	points, err := parseJA3List(fields[4], "pointFormats", pos)
	if err != nil {
		return nil, err
	}

	spec := &TransportSpec{
		CipherSuites: dropGREASE(ciphers),
		Extensions:   dropGREASE(extensions),
		Curves:       dropGREASE(curves),
		source:       sourceJA3,
		raw:          ja3,
	}

	for _, p := range points {
		if p > 0xff {
			return nil, &FingerprintParseError{
				Format: "ja3",
				Field:  strconv.FormatUint(uint64(p), 10),
				Msg:    "point format out of range",
			}
		}

		spec.PointFormats = append(spec.PointFormats, uint8(p))
	}

	switch version {
	case versionTLS13:
		spec.TLSVersMin, spec.TLSVersMax = versionTLS12, versionTLS13
	case versionTLS12:
		spec.TLSVersMin, spec.TLSVersMax = versionTLS10, versionTLS12
	case versionTLS11, versionTLS10:
		spec.TLSVersMin, spec.TLSVersMax = versionTLS10, version
	default:
		return nil, &FingerprintParseError{
			Format: "ja3",
			Field:  fields[0],
			Msg:    "unknown TLS version",
		}
	}

	// JA3 strings for TLS 1.2 clients routinely list 1.3 suites because the
	// recorded hello offered 1.3 via supported_versions. Lift the cap when
	// 1.3 suites are present so Validate does not reject real captures.
	for _, c := range spec.CipherSuites {
		if isTLS13Suite(c) {
			spec.TLSVersMax = versionTLS13
			break
		}
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return spec, nil
}

// String reassembles the canonical JA3 representation of the spec. Round-trips
// with ParseJA3 for GREASE-free input.
func (ts *TransportSpec) String() string {
	if ts.source == sourceJA4R {
		return ts.raw
	}

	var b strings.Builder

	version := ts.TLSVersMax
	if version == versionTLS13 && !hasTLS13Suites(ts.CipherSuites) {
		version = versionTLS12
	}

	b.WriteString(strconv.FormatUint(uint64(version), 10))
	b.WriteByte(',')
	writeDecList16(&b, ts.CipherSuites)
	b.WriteByte(',')
	writeDecList16(&b, ts.Extensions)
	b.WriteByte(',')
	writeDecList16(&b, ts.Curves)
	b.WriteByte(',')

	for i, p := range ts.PointFormats {
		if i > 0 {
			b.WriteByte('-')
		}

		b.WriteString(strconv.FormatUint(uint64(p), 10))
	}

	return b.String()
}

func hasTLS13Suites(ciphers []uint16) bool {
	for _, c := range ciphers {
		if isTLS13Suite(c) {
			return true
		}
	}

	return false
}

func writeDecList16(b *strings.Builder, vals []uint16) {
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('-')
		}

		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
}

// parseJA3Value parses one decimal token, rejecting anything outside uint16.
func parseJA3Value(tok, field string, pos int) (uint16, error) {
	n, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, &FingerprintParseError{Format: "ja3", Field: tok, Pos: pos, Msg: "not a decimal value in field " + field}
	}

	if n > 0xffff {
		return 0, &FingerprintParseError{Format: "ja3", Field: tok, Pos: pos, Msg: "value exceeds 65535 in field " + field}
	}

	return uint16(n), nil
}

// parseJA3List parses a dash-separated decimal list. An empty field yields an
// empty list, which is valid for curves and point formats. pos is the offset
// of the field within the full fingerprint; each token's error carries its
// own offset.
func parseJA3List(field, name string, pos int) ([]uint16, error) {
	if field == "" {
		return nil, nil
	}

	toks := strings.Split(field, "-")
	out := make([]uint16, 0, len(toks))

	for _, tok := range toks {
		v, err := parseJA3Value(tok, name, pos)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
		pos += len(tok) + 1
	}

	return out, nil
}

// dropGREASE removes reserved GREASE code points while preserving order.
func dropGREASE(vals []uint16) []uint16 {
	out := vals[:0]

	for _, v := range vals {
		if !isGREASEUint16(v) {
			out = append(out, v)
		}
	}

	return out
}
