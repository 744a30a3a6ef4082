package cloak_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/enetx/http"
	"github.com/enetx/http/httptest"
	"github.com/stretchr/testify/require"

	"github.com/enetx/cloak"
)

func newEngine(t *testing.T) *cloak.Engine {
	t.Helper()

	engine := cloak.New()
	t.Cleanup(func() { engine.Close() })

	return engine
}

func TestEngineGet(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}

		w.Header().Set("X-Test", "1")
		fmt.Fprint(w, "hello")
	}))
	defer ts.Close()

	engine := newEngine(t)

	resp, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "hello", resp.Body)
	require.Equal(t, "1", resp.Headers["X-Test"])
	require.Equal(t, ts.URL+"/", resp.FinalURL)
}

func TestEnginePostBody(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer ts.Close()

	engine := newEngine(t)

	req := cloak.NewRequest(ts.URL)
	req.Method = "post"
	req.Body = `{"key":"value"}`

	resp, err := engine.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, `{"key":"value"}`, resp.Body)
}

func TestEngineBinaryBodyWins(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer ts.Close()

	engine := newEngine(t)

	req := cloak.NewRequest(ts.URL)
	req.Method = http.MethodPost
	req.Body = "ignored"
	req.BodyBytes = []byte{0xff, 0xfe, 0x00}

	resp, err := engine.Do(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, resp.Body)
	require.Equal(t, []byte{0xff, 0xfe, 0x00}, resp.BodyBytes)
}

func TestEngineDefaultHeaders(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.UserAgent())
	}))
	defer ts.Close()

	engine := newEngine(t)

	resp, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Body, "a default User-Agent must be set")

	req := cloak.NewRequest(ts.URL)
	req.UserAgent = "custom-agent/1.0"

	resp, err = engine.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "custom-agent/1.0", resp.Body)
}

func TestEngineRedirects(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/end", http.StatusFound)
		case "/end":
			fmt.Fprint(w, "landed")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	engine := newEngine(t)

	resp, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL+"/start"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "landed", resp.Body)
	require.Equal(t, ts.URL+"/end", resp.FinalURL)
}

func TestEngineDisableRedirect(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer ts.Close()

	engine := newEngine(t)

	req := cloak.NewRequest(ts.URL)
	req.DisableRedirect = true

	resp, err := engine.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.Status)
	require.Equal(t, "/elsewhere", resp.Headers["Location"])
}

func TestEngineRedirectCap(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer ts.Close()

	engine := newEngine(t)

	_, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.Error(t, err)

	var tooMany *cloak.TooManyRedirectsError
	require.ErrorAs(t, err, &tooMany)
}

func TestEngineGzipDecompression(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer

		gz := gzip.NewWriter(&buf)
		gz.Write([]byte("compressed payload"))
		gz.Close()

		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer ts.Close()

	engine := newEngine(t)

	resp, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)
	require.Equal(t, "compressed payload", resp.Body)
	require.NotContains(t, resp.Headers, "Content-Encoding")
}

func TestEngineCorruptGzipReturnsRaw(t *testing.T) {
	t.Parallel()

	raw := []byte("definitely not gzip")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(raw)
	}))
	defer ts.Close()

	engine := newEngine(t)

	resp, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)
	require.Equal(t, string(raw), resp.Body)
	require.Equal(t, "gzip", resp.Headers["Content-Encoding"])
}

func TestEngineRequestCookies(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		fmt.Fprint(w, c.Value)
	}))
	defer ts.Close()

	engine := newEngine(t)

	req := cloak.NewRequest(ts.URL)
	req.Cookies = []cloak.Cookie{{Name: "session", Value: "abc123"}}

	resp, err := engine.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "abc123", resp.Body)
}

func TestEngineResponseCookies(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "token", Value: "xyz", HttpOnly: true})
	}))
	defer ts.Close()

	engine := newEngine(t)

	resp, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)
	require.Len(t, resp.Cookies, 1)
	require.Equal(t, "token", resp.Cookies[0].Name)
	require.Equal(t, "xyz", resp.Cookies[0].Value)
	require.True(t, resp.Cookies[0].HTTPOnly)
}

func TestEngineTimeout(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer ts.Close()

	engine := newEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := engine.Do(ctx, cloak.NewRequest(ts.URL))
	require.Error(t, err)

	var timeout *cloak.TimeoutError
	require.ErrorAs(t, err, &timeout)
}

func TestEngineConnectionRefused(t *testing.T) {
	t.Parallel()

	// Grab a port that is certainly closed.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	l.Close()

	engine := newEngine(t)

	_, doErr := engine.Do(context.Background(), cloak.NewRequest("http://"+addr))
	require.Error(t, doErr)

	var connErr *cloak.ConnectionError
	require.ErrorAs(t, doErr, &connErr)
}

func TestEngineInvalidURL(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	for _, u := range []string{"", "ftp://example.com", "://bad", "https://"} {
		_, err := engine.Do(context.Background(), cloak.NewRequest(u))
		require.Error(t, err, u)
	}
}

func TestEngineUnknownProfile(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	req := cloak.NewRequest("https://example.com")
	req.Profile = "netscape4"

	_, err := engine.Do(context.Background(), req)
	require.Error(t, err)

	var parseErr *cloak.FingerprintParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestEngineMalformedFingerprintFailsBeforeDial(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	req := cloak.NewRequest("https://example.com")
	req.JA3 = "771,not-a-cipher,0,29,0"

	_, err := engine.Do(context.Background(), req)
	require.Error(t, err)

	var parseErr *cloak.FingerprintParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestEngineTLSFingerprinted(t *testing.T) {
	t.Parallel()

	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "secure")
	}))
	defer ts.Close()

	engine := newEngine(t)

	req := cloak.NewRequest(ts.URL)
	req.InsecureSkipVerify = true

	resp, err := engine.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "secure", resp.Body)
}

func TestEngineTLSVerifyFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	engine := newEngine(t)

	// Self-signed certificate without InsecureSkipVerify must fail closed.
	_, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.Error(t, err)
}

func TestEngineConnectionReuse(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.RemoteAddr)
	}))
	defer ts.Close()

	engine := newEngine(t)

	first, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)

	second, err := engine.Do(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)

	require.Equal(t, first.Body, second.Body, "pooled transport should reuse the connection")
}

func TestEngineForceHTTP1Proto(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Proto)
	}))
	defer ts.Close()

	engine := newEngine(t)

	req := cloak.NewRequest(ts.URL)
	req.ForceHTTP1 = true

	resp, err := engine.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1", resp.Body)
	require.Equal(t, "HTTP/1.1", resp.Proto)
}

func TestEngineHTTP3WithoutQUICFingerprint(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	req := cloak.NewRequest("https://example.com")
	req.ForceHTTP3 = true

	_, err := engine.Do(context.Background(), req)
	require.Error(t, err)

	var incoherent *cloak.SpecIncoherentError
	require.ErrorAs(t, err, &incoherent)
}

func TestEngineErrorsAreTyped(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	_, err := engine.Do(context.Background(), cloak.NewRequest("http://127.0.0.1:1"))
	require.Error(t, err)

	var k interface {
		error
		Kind() string
	}
	require.True(t, errors.As(err, &k))
	require.NotEmpty(t, k.Kind())
}
