package cloak

import (
	"crypto/sha256"
	"math/rand/v2"

	utls "github.com/enetx/utls"
)

// greaseValues is the canonical set of reserved GREASE code points.
var greaseValues = [...]uint16{
	0x0a0a, 0x1a1a, 0x2a2a, 0x3a3a, 0x4a4a, 0x5a5a, 0x6a6a, 0x7a7a,
	0x8a8a, 0x9a9a, 0xaaaa, 0xbaba, 0xcaca, 0xdada, 0xeaea, 0xfafa,
}

// greasePicker hands out GREASE values for a single handshake. Every slot of
// the same hello receives a different value; a fresh picker is created per
// dial so consecutive handshakes differ too.
type greasePicker struct {
	perm []int
	next int
}

func newGreasePicker() *greasePicker { return &greasePicker{perm: rand.Perm(len(greaseValues))} }

func (p *greasePicker) pick() uint16 {
	v := greaseValues[p.perm[p.next%len(p.perm)]]
	p.next++
	return v
}

// tls13RetryCurves is the supported_groups list used by the TLS 1.3
// auto-retry after an unsupported-curve handshake failure.
var tls13RetryCurves = []uint16{29, 23, 24, 25} // X25519, P-256, P-384, P-521

// WithRetryCurves clones the spec with supported_groups rewritten to the
// TLS 1.3 key-exchange curves. Cipher and extension order are untouched.
func (ts *TransportSpec) WithRetryCurves() *TransportSpec {
	clone := *ts
	clone.Curves = append([]uint16(nil), tls13RetryCurves...)
	return &clone
}

// Synthesize converts the TransportSpec into a uTLS ClientHelloSpec. It is
// called once per handshake: GREASE slots receive fresh values each time
// unless DisableGREASE is set, in which case no GREASE slot is emitted at
// all.
func Synthesize(ts *TransportSpec) (utls.ClientHelloSpec, error) {
	if err := ts.Validate(); err != nil {
		return utls.ClientHelloSpec{}, err
	}

	picker := newGreasePicker()

	spec := utls.ClientHelloSpec{
		TLSVersMin:         ts.TLSVersMin,
		TLSVersMax:         ts.TLSVersMax,
		CompressionMethods: []byte{0},
		GetSessionID:       sha256.Sum256,
	}

	if !ts.DisableGREASE {
		spec.CipherSuites = append(spec.CipherSuites, picker.pick())
	}

	spec.CipherSuites = append(spec.CipherSuites, ts.CipherSuites...)

	extIDs := ts.Extensions
	if len(extIDs) == 0 {
		extIDs = defaultExtensionOrder(ts)
	}

	exts, err := ts.buildExtensions(extIDs, picker)
	if err != nil {
		return utls.ClientHelloSpec{}, err
	}

	spec.Extensions = exts

	return spec, nil
}

// defaultExtensionOrder supplies a minimal workable extension list for specs
// that declared none (JA4R with an empty extension section).
func defaultExtensionOrder(ts *TransportSpec) []uint16 {
	ids := []uint16{0, 23, 65281, 10, 11, 16, 5, 13, 43, 45, 51}
	if ts.TLSVersMax < versionTLS13 {
		return ids[:len(ids)-3]
	}

	return ids
}

// buildExtensions materializes the declared extension IDs in order. The
// GREASE slots mirror Chrome: one leading GREASE extension and one trailing
// (before padding when padding is declared).
func (ts *TransportSpec) buildExtensions(ids []uint16, picker *greasePicker) ([]utls.TLSExtension, error) {
	exts := make([]utls.TLSExtension, 0, len(ids)+3)

	if !ts.DisableGREASE {
		exts = append(exts, &utls.UtlsGREASEExtension{Value: picker.pick()})
	}

	var (
		sawVersions bool
		sawPSK      bool
	)

	for _, id := range ids {
		switch id {
		case 41:
			sawPSK = true
			continue // pre_shared_key must terminate the hello; appended below
		case 43:
			sawVersions = true
		case 21:
			// Chrome keeps its second GREASE extension right before padding.
			if !ts.DisableGREASE {
				exts = append(exts, &utls.UtlsGREASEExtension{Value: picker.pick()})
			}
		}

		exts = append(exts, ts.createExtension(id, picker))
	}

	// supported_versions is mandatory whenever the spec reaches TLS 1.3.
	if !sawVersions && ts.TLSVersMax == versionTLS13 {
		exts = append(exts, ts.supportedVersionsExtension(picker))
	}

	if sawPSK {
		exts = append(exts, &utls.UtlsPreSharedKeyExtension{})
	}

	return exts, nil
}

// createExtension maps one extension ID to a live uTLS extension carrying the
// spec-declared content. Context-dependent extensions (SNI, key_share,
// session_ticket) are materialized empty here; uTLS fills them from the dial
// target during ApplyPreset/Handshake.
func (ts *TransportSpec) createExtension(id uint16, picker *greasePicker) utls.TLSExtension {
	switch id {
	case 0:
		return &utls.SNIExtension{}
	case 5:
		return &utls.StatusRequestExtension{}
	case 10:
		return &utls.SupportedCurvesExtension{Curves: ts.curveIDs(picker)}
	case 11:
		points := ts.PointFormats
		if len(points) == 0 {
			points = []byte{0}
		}

		return &utls.SupportedPointsExtension{SupportedPoints: points}
	case 13:
		return &utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: ts.signatureSchemes()}
	case 16:
		alpn := ts.ALPN
		if len(alpn) == 0 {
			alpn = []string{"h2", "http/1.1"}
		}

		return &utls.ALPNExtension{AlpnProtocols: alpn}
	case 17:
		return &utls.StatusRequestV2Extension{}
	case 18:
		return &utls.SCTExtension{}
	case 21:
		return &utls.UtlsPaddingExtension{GetPaddingLen: utls.BoringPaddingStyle}
	case 23:
		return &utls.ExtendedMasterSecretExtension{}
	case 24:
		return &utls.FakeTokenBindingExtension{}
	case 27:
		return &utls.UtlsCompressCertExtension{Algorithms: []utls.CertCompressionAlgo{utls.CertCompressionBrotli}}
	case 28:
		return &utls.FakeRecordSizeLimitExtension{}
	case 34:
		return &utls.FakeDelegatedCredentialsExtension{}
	case 35:
		return &utls.SessionTicketExtension{}
	case 43:
		return ts.supportedVersionsExtension(picker)
	case 44:
		return &utls.CookieExtension{}
	case 45:
		return &utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}}
	case 50:
		return &utls.SignatureAlgorithmsCertExtension{SupportedSignatureAlgorithms: ts.signatureSchemes()}
	case 51:
		shares := make([]utls.KeyShare, 0, 2)
		if !ts.DisableGREASE {
			shares = append(shares, utls.KeyShare{Group: utls.CurveID(picker.pick()), Data: []byte{0}})
		}

		return &utls.KeyShareExtension{KeyShares: append(shares, utls.KeyShare{Group: utls.X25519})}
	case 57:
		return &utls.QUICTransportParametersExtension{}
	case 13172:
		return &utls.NPNExtension{}
	case 17513:
		return &utls.ApplicationSettingsExtension{SupportedProtocols: []string{"h2", "http/1.1"}}
	case 30031:
		return &utls.FakeChannelIDExtension{OldExtensionID: true}
	case 30032:
		return &utls.FakeChannelIDExtension{}
	case 65281:
		return &utls.RenegotiationInfoExtension{Renegotiation: utls.RenegotiateOnceAsClient}
	default:
		// Unknown ids are carried as raw opaque extensions with empty bodies
		// so their position in the hello is preserved.
		return &utls.GenericExtension{Id: id}
	}
}

// supportedVersionsExtension derives the supported_versions content from the
// spec's version range, GREASE first when enabled.
func (ts *TransportSpec) supportedVersionsExtension(picker *greasePicker) utls.TLSExtension {
	var versions []uint16

	if !ts.DisableGREASE {
		versions = append(versions, picker.pick())
	}

	for v := ts.TLSVersMax; v >= ts.TLSVersMin && v >= versionTLS10; v-- {
		versions = append(versions, v)
	}

	return &utls.SupportedVersionsExtension{Versions: versions}
}

// curveIDs converts the spec's supported groups, prepending a GREASE curve
// the way browsers do.
func (ts *TransportSpec) curveIDs(picker *greasePicker) []utls.CurveID {
	curves := make([]utls.CurveID, 0, len(ts.Curves)+1)

	if !ts.DisableGREASE {
		curves = append(curves, utls.CurveID(picker.pick()))
	}

	for _, c := range ts.Curves {
		curves = append(curves, utls.CurveID(c))
	}

	return curves
}

// signatureSchemes returns the JA4R-declared signature algorithms, falling
// back to the browser-typical list when the spec carries none.
func (ts *TransportSpec) signatureSchemes() []utls.SignatureScheme {
	if len(ts.SigAlgs) > 0 {
		schemes := make([]utls.SignatureScheme, 0, len(ts.SigAlgs))
		for _, s := range ts.SigAlgs {
			schemes = append(schemes, utls.SignatureScheme(s))
		}

		return schemes
	}

	return []utls.SignatureScheme{
		utls.ECDSAWithP256AndSHA256,
		utls.ECDSAWithP384AndSHA384,
		utls.ECDSAWithP521AndSHA512,
		utls.PSSWithSHA256,
		utls.PSSWithSHA384,
		utls.PSSWithSHA512,
		utls.PKCS1WithSHA256,
		utls.PKCS1WithSHA384,
		utls.PKCS1WithSHA512,
		utls.ECDSAWithSHA1,
		utls.PKCS1WithSHA1,
	}
}

// supportedHandshakeCurves enumerates the groups uTLS can actually produce a
// key share for. The handshake driver consults this to classify an
// unsupported-curve failure without matching on error strings.
var supportedHandshakeCurves = map[uint16]bool{
	23:  true, // P-256
	24:  true, // P-384
	25:  true, // P-521
	29:  true, // X25519
	256: true, // ffdhe2048, offered but never key-shared
	257: true, // ffdhe3072
}

// hasUnsupportedCurve reports whether the spec lists a group outside the set
// uTLS can negotiate, GREASE aside.
func (ts *TransportSpec) hasUnsupportedCurve() bool {
	for _, c := range ts.Curves {
		if !isGREASEUint16(c) && !supportedHandshakeCurves[c] {
			return true
		}
	}

	return false
}
