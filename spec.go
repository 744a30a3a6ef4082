package cloak

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// specSource records which fingerprint format produced a TransportSpec. The
// handshake driver uses it to decide whether a JA3 fallback is available.
type specSource uint8

const (
	sourceJA3 specSource = iota
	sourceJA4R
)

// TransportSpec is the parsed, library-independent description of a TLS
// ClientHello. Every field holds raw IANA code points exactly as the
// fingerprint declared them, GREASE slots excluded. The synthesizer turns a
// TransportSpec into a concrete ClientHello, inserting fresh GREASE values
// per handshake unless DisableGREASE is set.
type TransportSpec struct {
	TLSVersMin    uint16
	TLSVersMax    uint16
	CipherSuites  []uint16
	Extensions    []uint16 // extension IDs in wire order
	Curves        []uint16
	PointFormats  []uint8
	SigAlgs       []uint16 // signature_algorithms content, JA4R only
	ALPN          []string
	QUICLayer     bool // JA4R declared QUIC transport
	DisableGREASE bool

	source specSource
	raw    string
}

// Source reports the fingerprint format the spec was parsed from.
func (ts *TransportSpec) Source() string {
	if ts.source == sourceJA4R {
		return "ja4r"
	}

	return "ja3"
}

// Hash returns a stable 12-hex-character digest of the spec's raw fingerprint
// string. Connection keys embed it so two requests with different fingerprints
// never share a pooled transport.
func (ts *TransportSpec) Hash() string {
	if ts == nil || ts.raw == "" {
		return ""
	}

	return digest12(ts.raw)
}

// Validate rejects specs that parsed but cannot be synthesized coherently.
func (ts *TransportSpec) Validate() error {
	if len(ts.CipherSuites) == 0 {
		return &SpecIncoherentError{Msg: "empty cipher suite list"}
	}

	if ts.TLSVersMax < ts.TLSVersMin {
		return &SpecIncoherentError{Msg: "max TLS version below min"}
	}

	// TLS 1.3 suites are meaningless under a 1.2 cap.
	if ts.TLSVersMax < versionTLS13 {
		for _, c := range ts.CipherSuites {
			if isTLS13Suite(c) {
				return &SpecIncoherentError{Msg: "TLS 1.3 cipher suite with TLS 1.2 version cap"}
			}
		}
	}

	if ts.QUICLayer {
		for _, p := range ts.ALPN {
			if p == "http/1.1" {
				return &SpecIncoherentError{Msg: "QUIC transport with http/1.1 ALPN"}
			}
		}
	}

	return nil
}

const (
	versionTLS10 = 0x0301
	versionTLS11 = 0x0302
	versionTLS12 = 0x0303
	versionTLS13 = 0x0304
)

// isTLS13Suite reports whether the cipher suite code point belongs to the
// TLS 1.3 suite range (TLS_AES_* / TLS_CHACHA20_*).
func isTLS13Suite(c uint16) bool { return c >= 0x1301 && c <= 0x1305 }

// isGREASEUint16 reports whether v is one of the sixteen reserved GREASE
// code points (0x0A0A, 0x1A1A, ... 0xFAFA).
func isGREASEUint16(v uint16) bool {
	return ((v >> 8) == v&0xff) && v&0xf == 0xa
}

// digest12 returns the first 12 hex characters of the SHA-256 of s.
func digest12(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// keyDigest hashes an arbitrary set of key parts into a short stable token.
func keyDigest(parts ...string) string {
	return digest12(strings.Join(parts, "|"))
}
