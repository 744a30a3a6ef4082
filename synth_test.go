package cloak

import (
	"testing"

	"github.com/stretchr/testify/require"

	utls "github.com/enetx/utls"
)

func TestSynthesizeGREASEDistinctPerSlot(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA3("772,4865-4866,0-10-43-51,29-23,0")
	require.NoError(t, err)

	spec, err := Synthesize(ts)
	require.NoError(t, err)

	var seen []uint16

	require.True(t, isGREASEUint16(spec.CipherSuites[0]))
	seen = append(seen, spec.CipherSuites[0])

	for _, ext := range spec.Extensions {
		switch e := ext.(type) {
		case *utls.UtlsGREASEExtension:
			seen = append(seen, e.Value)
		case *utls.SupportedCurvesExtension:
			require.True(t, isGREASEUint16(uint16(e.Curves[0])))
			seen = append(seen, uint16(e.Curves[0]))
		case *utls.SupportedVersionsExtension:
			require.True(t, isGREASEUint16(e.Versions[0]))
			seen = append(seen, e.Versions[0])
		}
	}

	require.GreaterOrEqual(t, len(seen), 4)

	unique := make(map[uint16]bool)
	for _, v := range seen {
		require.True(t, isGREASEUint16(v))
		unique[v] = true
	}

	require.Len(t, unique, len(seen), "GREASE values must differ per slot")
}

func TestSynthesizeDisableGREASE(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA3("772,4865-4866,0-10-43-51,29-23,0")
	require.NoError(t, err)
	ts.DisableGREASE = true

	spec, err := Synthesize(ts)
	require.NoError(t, err)

	for _, c := range spec.CipherSuites {
		require.False(t, isGREASEUint16(c))
	}

	for _, ext := range spec.Extensions {
		switch e := ext.(type) {
		case *utls.UtlsGREASEExtension:
			t.Fatal("GREASE extension emitted with GREASE disabled")
		case *utls.SupportedCurvesExtension:
			for _, c := range e.Curves {
				require.False(t, isGREASEUint16(uint16(c)))
			}
		case *utls.SupportedVersionsExtension:
			for _, v := range e.Versions {
				require.False(t, isGREASEUint16(v))
			}
		}
	}
}

func TestSynthesizeCipherOrderPreserved(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA3("771,53-47-156,0-10,29,0")
	require.NoError(t, err)

	spec, err := Synthesize(ts)
	require.NoError(t, err)

	// Skip the leading GREASE slot.
	require.Equal(t, []uint16{53, 47, 156}, spec.CipherSuites[1:])
}

func TestSynthesizePreSharedKeyLast(t *testing.T) {
	t.Parallel()

	// pre_shared_key declared mid-list must still terminate the hello.
	ts, err := ParseJA3("772,4865,0-41-43-51,29,0")
	require.NoError(t, err)

	spec, err := Synthesize(ts)
	require.NoError(t, err)
	require.NotEmpty(t, spec.Extensions)

	_, ok := spec.Extensions[len(spec.Extensions)-1].(*utls.UtlsPreSharedKeyExtension)
	require.True(t, ok, "pre_shared_key must be the final extension")
}

func TestSynthesizeAddsSupportedVersionsForTLS13(t *testing.T) {
	t.Parallel()

	// Extension list without 43 but a TLS 1.3 cap.
	ts, err := ParseJA3("772,4865,0-10,29,0")
	require.NoError(t, err)

	spec, err := Synthesize(ts)
	require.NoError(t, err)

	var found bool

	for _, ext := range spec.Extensions {
		if _, ok := ext.(*utls.SupportedVersionsExtension); ok {
			found = true
		}
	}

	require.True(t, found)
}

func TestSynthesizeUnknownExtensionCarriedOpaque(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA3("771,47,0-62999,29,0")
	require.NoError(t, err)

	spec, err := Synthesize(ts)
	require.NoError(t, err)

	var found bool

	for _, ext := range spec.Extensions {
		if generic, ok := ext.(*utls.GenericExtension); ok && generic.Id == 62999 {
			found = true
		}
	}

	require.True(t, found)
}

func TestSynthesizeRejectsIncoherentSpec(t *testing.T) {
	t.Parallel()

	ts := &TransportSpec{
		TLSVersMin:   versionTLS10,
		TLSVersMax:   versionTLS12,
		CipherSuites: []uint16{0x1301},
	}

	_, err := Synthesize(ts)
	require.Error(t, err)

	var incoherent *SpecIncoherentError
	require.ErrorAs(t, err, &incoherent)
}

func TestWithRetryCurves(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA3("772,4865,0-43-51,256-257-29,0")
	require.NoError(t, err)

	retry := ts.WithRetryCurves()
	require.Equal(t, []uint16{29, 23, 24, 25}, retry.Curves)

	// Original untouched.
	require.Equal(t, []uint16{256, 257, 29}, ts.Curves)
}

func TestHasRetryableCurves(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA3("772,4865,0-43-51,29-23-24-25,0")
	require.NoError(t, err)
	require.False(t, ts.hasRetryableCurves())

	ts.Curves = []uint16{29, 23}
	require.True(t, ts.hasRetryableCurves())

	// A group outside what the handshake can key-share.
	ts.Curves = []uint16{4588}
	require.True(t, ts.hasUnsupportedCurve())
	require.True(t, ts.hasRetryableCurves())
}
