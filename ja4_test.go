package cloak

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseJA4RBasic(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA4R("t13d0404h2_1301,1302,c02b,c02f_0000,0010,002b,0033_0403,0804")
	require.NoError(t, err)

	require.Equal(t, "ja4r", ts.Source())
	require.False(t, ts.QUICLayer)
	require.Equal(t, uint16(versionTLS12), ts.TLSVersMin)
	require.Equal(t, uint16(versionTLS13), ts.TLSVersMax)
	require.Equal(t, []uint16{0x1301, 0x1302, 0xc02b, 0xc02f}, ts.CipherSuites)
	require.Equal(t, []uint16{0x0000, 0x0010, 0x002b, 0x0033}, ts.Extensions)
	require.Equal(t, []uint16{0x0403, 0x0804}, ts.SigAlgs)
	require.Equal(t, []string{"h2", "http/1.1"}, ts.ALPN)
}

func TestParseJA4RQUICTransport(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA4R("q13d0202h3_1301,1303_0000,0010_0403")
	require.NoError(t, err)

	require.True(t, ts.QUICLayer)
	require.Equal(t, uint16(versionTLS13), ts.TLSVersMin)
	require.Equal(t, uint16(versionTLS13), ts.TLSVersMax)
	require.Equal(t, []string{"h3"}, ts.ALPN)
}

func TestParseJA4ROrderPreserved(t *testing.T) {
	t.Parallel()

	// The parser never re-sorts: descending input stays descending.
	ts, err := ParseJA4R("t13d0302h2_c02f,1301,0035_0033,0000_0804")
	require.NoError(t, err)
	require.Equal(t, []uint16{0xc02f, 0x1301, 0x0035}, ts.CipherSuites)
	require.Equal(t, []uint16{0x0033, 0x0000}, ts.Extensions)
}

func TestParseJA4RGREASECountedThenDropped(t *testing.T) {
	t.Parallel()

	// Declared counts include the GREASE slots; the parsed spec drops them.
	ts, err := ParseJA4R("t13d0302h2_0a0a,1301,1302_1a1a,0000_0403")
	require.NoError(t, err)
	require.Equal(t, []uint16{0x1301, 0x1302}, ts.CipherSuites)
	require.Equal(t, []uint16{0x0000}, ts.Extensions)
}

func TestParseJA4RErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ja4r string
	}{
		{"too few sections", "t13d0101h2_1301_0000"},
		{"short prefix", "t13d11h2_1301_0000_0403"},
		{"bad transport", "x13d0101h2_1301_0000_0403"},
		{"bad version digits", "t99d0101h2_1301_0000_0403"},
		{"bad sni marker", "t13x0101h2_1301_0000_0403"},
		{"bad alpn token", "t13d0101zz_1301_0000_0403"},
		{"cipher count mismatch", "t13d0201h2_1301_0000_0403"},
		{"extension count mismatch", "t13d0102h2_1301_0000_0403"},
		{"token not hex", "t13d0101h2_zzzz_0000_0403"},
		{"token wrong length", "t13d0101h2_130_0000_0403"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseJA4R(tt.ja4r)
			require.Error(t, err)

			var parseErr *FingerprintParseError
			require.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestParseJA4RQUICWithHTTP1Incoherent(t *testing.T) {
	t.Parallel()

	_, err := ParseJA4R("q13d0101h1_1301_0000_0403")
	require.Error(t, err)

	var incoherent *SpecIncoherentError
	require.ErrorAs(t, err, &incoherent)
}

func TestMergeJA3FillsMissingGroups(t *testing.T) {
	t.Parallel()

	ja4r, err := ParseJA4R("t13d0202h2_1301,c02f_0000,0010_0403")
	require.NoError(t, err)
	require.Empty(t, ja4r.Curves)

	ja3, err := ParseJA3("771,4865-47,0-10-11,29-23-24,0")
	require.NoError(t, err)

	ja4r.MergeJA3(ja3)

	require.Equal(t, []uint16{29, 23, 24}, ja4r.Curves)
	require.Equal(t, []uint8{0}, ja4r.PointFormats)

	// Cipher and extension order stay with the JA4R.
	require.Equal(t, []uint16{0x1301, 0xc02f}, ja4r.CipherSuites)
	require.Equal(t, []uint16{0x0000, 0x0010}, ja4r.Extensions)
}

func TestMergeJA3KeepsExistingGroups(t *testing.T) {
	t.Parallel()

	ja4r := &TransportSpec{Curves: []uint16{29}, PointFormats: []uint8{0}}
	ja3 := &TransportSpec{Curves: []uint16{23, 24}, PointFormats: []uint8{1}}

	ja4r.MergeJA3(ja3)

	require.Equal(t, []uint16{29}, ja4r.Curves)
	require.Equal(t, []uint8{0}, ja4r.PointFormats)
}
