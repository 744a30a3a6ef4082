package cloak

import (
	"strings"

	"github.com/enetx/g"
	uquic "github.com/enetx/uquic"
)

// QUICFingerprint selects the uQUIC spec used to synthesize the QUIC Initial
// packet. It is resolved either from an explicit fingerprint string or, for
// JA4R fingerprints with a QUIC transport marker, from a curated browser
// table.
type QUICFingerprint struct {
	id  uquic.QUICID
	raw string
}

// Hash returns a short stable digest of the fingerprint for pool keying.
func (fp *QUICFingerprint) Hash() string {
	if fp == nil {
		return ""
	}

	return digest12(fp.raw)
}

// Spec converts the fingerprint into a concrete uQUIC spec.
func (fp *QUICFingerprint) Spec() g.Result[uquic.QUICSpec] {
	spec, err := uquic.QUICID2Spec(fp.id)
	if err != nil {
		return g.Err[uquic.QUICSpec](&SpecIncoherentError{Msg: "quic spec for " + fp.raw + ": " + err.Error()})
	}

	return g.Ok(spec)
}

// quicIDTable maps fingerprint tokens to the uQUIC presets the engine can
// synthesize. Versioned and unversioned browser names are accepted.
var quicIDTable = map[string]uquic.QUICID{
	"chrome":      uquic.QUICChrome_115,
	"chrome_115":  uquic.QUICChrome_115,
	"firefox":     uquic.QUICFirefox_116,
	"firefox_116": uquic.QUICFirefox_116,
}

// ParseQUICFingerprint parses a QUIC fingerprint string. The engine consumes
// browser preset tokens ("chrome", "firefox_116"); anything else fails with a
// typed parse error rather than guessing at Initial-packet contents.
func ParseQUICFingerprint(s string) (*QUICFingerprint, error) {
	id, ok := quicIDTable[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return nil, &FingerprintParseError{Format: "quic", Field: s, Msg: "unknown QUIC preset"}
	}

	return &QUICFingerprint{id: id, raw: strings.ToLower(strings.TrimSpace(s))}, nil
}

// ja4rQUICTable maps known browser JA4R fingerprints (QUIC transport) to
// their QUIC presets. Derivation is a curated lookup: an unknown JA4R does
// not get a guessed Initial packet.
var ja4rQUICTable = map[string]string{
	// Chrome 115 QUIC hello.
	"q13d0303h3_1301,1302,1303_000a,002b,0033_0403,0804,0401,0503,0805,0501,0806,0601": "chrome_115",
	// Firefox 116 QUIC hello.
	"q13d0303h3_1301,1303,1302_000a,002b,0033_0403,0503,0603,0804,0805,0806,0401,0501": "firefox_116",
}

// DeriveQUICFromJA4R resolves a QUIC fingerprint for a JA4R spec whose
// transport marker is q. Unknown fingerprints are refused as incoherent so
// the caller can supply an explicit quic fingerprint instead.
func DeriveQUICFromJA4R(ts *TransportSpec) (*QUICFingerprint, error) {
	if ts == nil || !ts.QUICLayer {
		return nil, &SpecIncoherentError{Msg: "JA4R does not declare a QUIC transport"}
	}

	if token, ok := ja4rQUICTable[ts.raw]; ok {
		return ParseQUICFingerprint(token)
	}

	return nil, &SpecIncoherentError{Msg: "no curated QUIC mapping for this JA4R; set an explicit quic fingerprint"}
}
