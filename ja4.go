package cloak

import (
	"strconv"
	"strings"
)

// ParseJA4R parses a raw JA4 fingerprint into a TransportSpec.
//
// The format is three underscore-separated hex lists behind a prefix:
//
//	t13d1516h2_<ciphers>_<extensions>_<sigalgs>
//
// Prefix layout: transport (t=TCP, q=QUIC), two version digits, SNI marker
// (d=domain, i=IP), two-digit cipher count, two-digit extension count, and a
// two-character ALPN token. Lists are comma-joined 4-hex-digit code points
// and are preserved exactly as given; the parser never re-sorts.
func ParseJA4R(ja4r string) (*TransportSpec, error) {
	parts := strings.Split(ja4r, "_")
	if len(parts) != 4 {
		return nil, &FingerprintParseError{
			Format: "ja4r",
			Msg:    "expected 4 underscore-separated sections, got " + strconv.Itoa(len(parts)),
		}
	}

	prefix := parts[0]
	if len(prefix) != 10 {
		return nil, &FingerprintParseError{Format: "ja4r", Field: prefix, Msg: "prefix must be 10 characters"}
	}

	spec := &TransportSpec{source: sourceJA4R, raw: ja4r}

	switch prefix[0] {
	case 't':
	case 'q':
		spec.QUICLayer = true
	default:
		return nil, &FingerprintParseError{Format: "ja4r", Field: prefix[:1], Pos: 0, Msg: "transport must be t or q"}
	}

	switch prefix[1:3] {
	case "13":
		spec.TLSVersMin, spec.TLSVersMax = versionTLS12, versionTLS13
	case "12":
		spec.TLSVersMin, spec.TLSVersMax = versionTLS10, versionTLS12
	case "11":
		spec.TLSVersMin, spec.TLSVersMax = versionTLS10, versionTLS11
	case "10":
		spec.TLSVersMin, spec.TLSVersMax = versionTLS10, versionTLS10
	default:
		return nil, &FingerprintParseError{Format: "ja4r", Field: prefix[1:3], Pos: 1, Msg: "unknown TLS version digits"}
	}

	if prefix[3] != 'd' && prefix[3] != 'i' {
		return nil, &FingerprintParseError{Format: "ja4r", Field: prefix[3:4], Pos: 3, Msg: "SNI marker must be d or i"}
	}

	cipherCount, err := strconv.Atoi(prefix[4:6])
	if err != nil {
		return nil, &FingerprintParseError{Format: "ja4r", Field: prefix[4:6], Pos: 4, Msg: "cipher count is not decimal"}
	}

	extCount, err := strconv.Atoi(prefix[6:8])
	if err != nil {
		return nil, &FingerprintParseError{Format: "ja4r", Field: prefix[6:8], Pos: 6, Msg: "extension count is not decimal"}
	}

	switch alpn := prefix[8:10]; alpn {
	case "h2":
		spec.ALPN = []string{"h2", "http/1.1"}
	case "h1":
		spec.ALPN = []string{"http/1.1"}
	case "h3":
		spec.ALPN = []string{"h3"}
	case "00":
		// no ALPN extension content declared
	default:
		return nil, &FingerprintParseError{Format: "ja4r", Field: alpn, Pos: 8, Msg: "unknown ALPN token"}
	}

	if spec.CipherSuites, err = parseHexList(parts[1], "ciphers"); err != nil {
		return nil, err
	}

	if spec.Extensions, err = parseHexList(parts[2], "extensions"); err != nil {
		return nil, err
	}

	if spec.SigAlgs, err = parseHexList(parts[3], "sigalgs"); err != nil {
		return nil, err
	}

	if len(spec.CipherSuites) != cipherCount {
		return nil, &FingerprintParseError{
			Format: "ja4r",
			Field:  prefix[4:6],
			Pos:    4,
			Msg:    "declared cipher count " + strconv.Itoa(cipherCount) + " does not match list length " + strconv.Itoa(len(spec.CipherSuites)),
		}
	}

	if len(spec.Extensions) != extCount {
		return nil, &FingerprintParseError{
			Format: "ja4r",
			Field:  prefix[6:8],
			Pos:    6,
			Msg:    "declared extension count " + strconv.Itoa(extCount) + " does not match list length " + strconv.Itoa(len(spec.Extensions)),
		}
	}

	// Counts are validated against the lists as given; GREASE slots are
	// dropped afterwards and re-synthesized per handshake.
	spec.CipherSuites = dropGREASE(spec.CipherSuites)
	spec.Extensions = dropGREASE(spec.Extensions)
	spec.SigAlgs = dropGREASE(spec.SigAlgs)

	// QUIC carries TLS 1.3 only.
	if spec.QUICLayer {
		spec.TLSVersMin, spec.TLSVersMax = versionTLS13, versionTLS13
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return spec, nil
}

// MergeJA3 fills group and point-format data the JA4R form does not carry
// from a JA3-derived spec. Cipher and extension order stay with the JA4R.
func (ts *TransportSpec) MergeJA3(ja3 *TransportSpec) {
	if ja3 == nil {
		return
	}

	if len(ts.Curves) == 0 {
		ts.Curves = append(ts.Curves, ja3.Curves...)
	}

	if len(ts.PointFormats) == 0 {
		ts.PointFormats = append(ts.PointFormats, ja3.PointFormats...)
	}
}

// parseHexList parses a comma-joined list of 4-hex-digit code points.
// An empty section yields an empty list.
func parseHexList(section, name string) ([]uint16, error) {
	if section == "" {
		return nil, nil
	}

	toks := strings.Split(section, ",")
	out := make([]uint16, 0, len(toks))

	for i, tok := range toks {
		if len(tok) != 4 {
			return nil, &FingerprintParseError{
				Format: "ja4r",
				Field:  tok,
				Pos:    i,
				Msg:    "token in " + name + " must be 4 hex digits",
			}
		}

		n, err := strconv.ParseUint(tok, 16, 16)
		if err != nil {
			return nil, &FingerprintParseError{
				Format: "ja4r",
				Field:  tok,
				Pos:    i,
				Msg:    "token in " + name + " is not hexadecimal",
			}
		}

		out = append(out, uint16(n))
	}

	return out, nil
}
