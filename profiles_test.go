package cloak

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProfileRegistryBuiltins(t *testing.T) {
	t.Parallel()

	r := NewProfileRegistry()

	for _, name := range []string{"chrome131", "firefox131", "firefox87", "safari17"} {
		p, ok := r.Lookup(name)
		require.True(t, ok, name)
		require.NotEmpty(t, p.JA3)
	}

	// Lookup is case-insensitive.
	p, ok := r.Lookup("Chrome131")
	require.True(t, ok)
	require.Equal(t, "chrome131", p.Name)
}

func TestProfileRegistryRegisterOverride(t *testing.T) {
	t.Parallel()

	r := NewProfileRegistry()
	r.Register(&Profile{Name: "chrome131", JA3: "771,47,0,29,0"})

	p, ok := r.Lookup("chrome131")
	require.True(t, ok)
	require.Equal(t, "771,47,0,29,0", p.JA3)
}

func TestProfileRegistryLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeProfile := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	writeProfile("10-base.json", `{"name": "custom", "ja3": "771,47,0,29,0", "user_agent": "base"}`)
	writeProfile("20-override.yaml", "name: custom\nja3: 771,53,0,29,0\nuser_agent: override\n")
	writeProfile("30-extra.yml", "name: extra\nja4r: t13d0101h2_1301_0000_0403\nforce_http1: true\n")
	writeProfile("ignored.txt", "not a profile")

	r := NewProfileRegistry()
	require.NoError(t, r.LoadDir(dir))

	// Later file wins for the same name.
	p, ok := r.Lookup("custom")
	require.True(t, ok)
	require.Equal(t, "771,53,0,29,0", p.JA3)
	require.Equal(t, "override", p.UserAgent)

	extra, ok := r.Lookup("extra")
	require.True(t, ok)
	require.True(t, extra.ForceHTTP1)
	require.NotEmpty(t, extra.JA4R)
}

func TestProfileRegistryLoadDirErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing dir", func(t *testing.T) {
		t.Parallel()
		require.Error(t, NewProfileRegistry().LoadDir(filepath.Join(t.TempDir(), "nope")))
	})

	t.Run("nameless profile", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"ja3": "771,47,0,29,0"}`), 0o644))

		err := NewProfileRegistry().LoadDir(dir)
		require.Error(t, err)

		var parseErr *FingerprintParseError
		require.ErrorAs(t, err, &parseErr)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("\tname: x"), 0o644))
		require.Error(t, NewProfileRegistry().LoadDir(dir))
	})
}

func TestBuiltinProfilesParse(t *testing.T) {
	t.Parallel()

	for _, p := range builtinProfiles {
		t.Run(p.Name, func(t *testing.T) {
			t.Parallel()

			if p.JA3 != "" {
				_, err := ParseJA3(p.JA3)
				require.NoError(t, err)
			}

			if p.HTTP2Fingerprint != "" {
				_, err := ParseHTTP2Fingerprint(p.HTTP2Fingerprint)
				require.NoError(t, err)
			}

			if p.QUICFingerprint != "" {
				_, err := ParseQUICFingerprint(p.QUICFingerprint)
				require.NoError(t, err)
			}
		})
	}
}
