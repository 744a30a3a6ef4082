package cloak

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseQUICFingerprintPresets(t *testing.T) {
	t.Parallel()

	for _, token := range []string{"chrome", "chrome_115", "firefox", "firefox_116", "Chrome_115", " firefox "} {
		fp, err := ParseQUICFingerprint(token)
		require.NoError(t, err, token)
		require.NotEmpty(t, fp.Hash())
		require.True(t, fp.Spec().IsOk())
	}
}

func TestParseQUICFingerprintUnknown(t *testing.T) {
	t.Parallel()

	_, err := ParseQUICFingerprint("netscape_4")
	require.Error(t, err)

	var parseErr *FingerprintParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestDeriveQUICFromJA4RCurated(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA4R("q13d0303h3_1301,1302,1303_000a,002b,0033_0403,0804,0401,0503,0805,0501,0806,0601")
	require.NoError(t, err)

	fp, err := DeriveQUICFromJA4R(ts)
	require.NoError(t, err)
	require.True(t, fp.Spec().IsOk())
}

func TestDeriveQUICFromJA4RUnknownRefused(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA4R("q13d0202h3_1301,1303_0000,0010_0403")
	require.NoError(t, err)

	_, err = DeriveQUICFromJA4R(ts)
	require.Error(t, err)

	var incoherent *SpecIncoherentError
	require.ErrorAs(t, err, &incoherent)
}

func TestDeriveQUICFromJA4RNonQUIC(t *testing.T) {
	t.Parallel()

	ts, err := ParseJA3(_defaultJA3)
	require.NoError(t, err)

	_, err = DeriveQUICFromJA4R(ts)
	require.Error(t, err)
}
