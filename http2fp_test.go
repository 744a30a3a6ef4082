package cloak

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHTTP2FingerprintChrome(t *testing.T) {
	t.Parallel()

	fp, err := ParseHTTP2Fingerprint("1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p")
	require.NoError(t, err)

	require.Equal(t, []HTTP2Setting{
		{ID: 1, Val: 65536},
		{ID: 2, Val: 0},
		{ID: 4, Val: 6291456},
		{ID: 6, Val: 262144},
	}, fp.Settings)

	require.Equal(t, uint32(15663105), fp.WindowUpdate)
	require.Nil(t, fp.Priority)
	require.Equal(t, []string{":method", ":authority", ":scheme", ":path"}, fp.PseudoOrder)
}

func TestParseHTTP2FingerprintFirefox(t *testing.T) {
	t.Parallel()

	fp, err := ParseHTTP2Fingerprint("1:65536;2:0;4:131072;5:16384|12517377|3:0:0:201|m,p,a,s")
	require.NoError(t, err)

	require.NotNil(t, fp.Priority)
	require.Equal(t, uint32(3), fp.Priority.StreamID)
	require.False(t, fp.Priority.Exclusive)
	require.Equal(t, uint32(0), fp.Priority.DependsOn)
	require.Equal(t, uint8(201), fp.Priority.Weight)
}

func TestParseHTTP2FingerprintSettingsOrderPreserved(t *testing.T) {
	t.Parallel()

	// Declared order is wire order, no matter how unusual.
	fp, err := ParseHTTP2Fingerprint("4:4194304;3:100|10485760|0|m,s,p,a")
	require.NoError(t, err)

	require.Equal(t, uint16(4), fp.Settings[0].ID)
	require.Equal(t, uint16(3), fp.Settings[1].ID)
}

func TestParseHTTP2FingerprintNoSettings(t *testing.T) {
	t.Parallel()

	for _, settings := range []string{"0", ""} {
		fp, err := ParseHTTP2Fingerprint(settings + "|0|0|m,p,a,s")
		require.NoError(t, err)
		require.Empty(t, fp.Settings)
		require.Zero(t, fp.WindowUpdate)
	}
}

func TestParseHTTP2FingerprintExplicitZeroSettingKept(t *testing.T) {
	t.Parallel()

	// "2:0" declares ENABLE_PUSH=0 on the wire; it must not be elided.
	fp, err := ParseHTTP2Fingerprint("2:0|0|0|m,p,a,s")
	require.NoError(t, err)
	require.Equal(t, []HTTP2Setting{{ID: 2, Val: 0}}, fp.Settings)
}

func TestParseHTTP2FingerprintErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fp   string
	}{
		{"too few fields", "1:65536|0|m,p,a,s"},
		{"setting without colon", "165536|0|0|m,p,a,s"},
		{"setting id not decimal", "x:1|0|0|m,p,a,s"},
		{"window update not decimal", "1:1|x|0|m,p,a,s"},
		{"priority malformed", "1:1|0|3:0:0|m,p,a,s"},
		{"priority weight overflow", "1:1|0|3:0:0:256|m,p,a,s"},
		{"pseudo order short", "1:1|0|0|m,p,a"},
		{"pseudo order duplicate", "1:1|0|0|m,m,a,s"},
		{"pseudo order unknown letter", "1:1|0|0|m,p,a,x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseHTTP2Fingerprint(tt.fp)
			require.Error(t, err)

			var parseErr *FingerprintParseError
			require.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestHTTP2FingerprintHash(t *testing.T) {
	t.Parallel()

	a, err := ParseHTTP2Fingerprint("1:65536|0|0|m,p,a,s")
	require.NoError(t, err)

	b, err := ParseHTTP2Fingerprint("1:65537|0|0|m,p,a,s")
	require.NoError(t, err)

	require.Len(t, a.Hash(), 12)
	require.NotEqual(t, a.Hash(), b.Hash())

	var nilFP *HTTP2Fingerprint
	require.Empty(t, nilFP.Hash())
}
