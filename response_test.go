package cloak

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/enetx/http"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestErrorKindClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{&TLSError{Host: "example.com"}, KindTLS},
		{&TimeoutError{Err: context.DeadlineExceeded}, KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindCancelled},
		{errors.New("something else"), KindProtocol},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, errorKind(tt.err))
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusRequestTimeout, errorStatus(KindTimeout, &TimeoutError{}))
	require.Equal(t, 495, errorStatus(KindTLS, &TLSError{}))
	require.Equal(t, http.StatusMisdirectedRequest, errorStatus(KindProxy, &ProxyError{}))
	require.Zero(t, errorStatus(KindFingerprintParse, &FingerprintParseError{}))
	require.Zero(t, errorStatus(KindTooManyRedirects, &TooManyRedirectsError{}))

	refused := &ConnectionError{Addr: "example.com:443", Err: errors.New("refused")}
	require.Equal(t, http.StatusBadGateway, errorStatus(KindConnection, refused))

	// DNS lookup failures get their own code.
	noHost := &ConnectionError{Addr: "example.com:443", Err: &net.DNSError{Err: "no such host", Name: "example.com"}}
	require.Equal(t, http.StatusMisdirectedRequest, errorStatus(KindConnection, noHost))
}

func TestErrorResponse(t *testing.T) {
	t.Parallel()

	resp := errorResponse("req-1", &ConnectionError{Addr: "example.com:443", Err: errors.New("refused")})

	require.Equal(t, "req-1", resp.RequestID)
	require.Equal(t, KindConnection, resp.ErrorType)
	require.Equal(t, http.StatusBadGateway, resp.Status)
	require.Contains(t, resp.Body, "example.com:443")
	require.NotNil(t, resp.Headers)
}

func TestEncodeErrorDecodes(t *testing.T) {
	t.Parallel()

	payload := EncodeError(&FingerprintParseError{Format: "ja3", Msg: "bad"})
	require.NotEmpty(t, payload)

	var resp Response
	require.NoError(t, msgpack.Unmarshal(payload, &resp))
	require.Equal(t, KindFingerprintParse, resp.ErrorType)
	require.Zero(t, resp.Status)
}

func TestFlattenHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{
		"Set-Cookie":   {"a=1", "b=2"},
		"Content-Type": {"text/html"},
	}

	flat := flattenHeaders(h)
	require.Equal(t, "a=1, b=2", flat["Set-Cookie"])
	require.Equal(t, "text/html", flat["Content-Type"])
}

func TestConvertCookies(t *testing.T) {
	t.Parallel()

	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	out := convertCookies([]*http.Cookie{
		{Name: "session", Value: "abc", Expires: expires, SameSite: http.SameSiteLaxMode, HttpOnly: true},
		{Name: "bare", Value: "1"},
	})

	require.Len(t, out, 2)
	require.Equal(t, expires.Format(time.RFC3339Nano), out[0].Expires)
	require.Equal(t, "Lax", out[0].SameSite)
	require.True(t, out[0].HTTPOnly)

	require.Empty(t, out[1].Expires)
	require.Equal(t, "Default", out[1].SameSite)

	require.Nil(t, convertCookies(nil))
}

func TestResponseEncodeFieldNames(t *testing.T) {
	t.Parallel()

	resp := &Response{
		Status:   200,
		Body:     "ok",
		Headers:  map[string]string{"Content-Type": "text/plain"},
		FinalURL: "https://example.com/",
	}

	data, err := resp.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &raw))

	// The host schema keys off these exact names.
	require.Contains(t, raw, "Status")
	require.Contains(t, raw, "FinalUrl")
	require.Contains(t, raw, "Headers")
}
