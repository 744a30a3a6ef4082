package cloak

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/enetx/http"
	"github.com/vmihailenco/msgpack/v5"
)

// ResponseCookie is the boundary representation of a Set-Cookie entry.
// Expires is RFC 3339 with nanoseconds; SameSite is the mode name.
type ResponseCookie struct {
	Name     string `msgpack:"Name"`
	Value    string `msgpack:"Value"`
	Path     string `msgpack:"Path,omitempty"`
	Domain   string `msgpack:"Domain,omitempty"`
	Expires  string `msgpack:"Expires,omitempty"`
	MaxAge   int    `msgpack:"MaxAge,omitempty"`
	Secure   bool   `msgpack:"Secure,omitempty"`
	HTTPOnly bool   `msgpack:"HttpOnly,omitempty"`
	SameSite string `msgpack:"SameSite,omitempty"`
}

// Response is one boundary response message. A non-empty ErrorType marks a
// failed exchange: Body holds the message and Status is either 0 or an
// HTTP-shaped code for transport failures.
type Response struct {
	RequestID string            `msgpack:"RequestID,omitempty"`
	Status    int               `msgpack:"Status"`
	Body      string            `msgpack:"Body"`
	BodyBytes []byte            `msgpack:"BodyBytes,omitempty"`
	Headers   map[string]string `msgpack:"Headers"`
	FinalURL  string            `msgpack:"FinalUrl"`
	Cookies   []ResponseCookie  `msgpack:"Cookies,omitempty"`
	ErrorType string            `msgpack:"ErrorType,omitempty"`
	Proto     string            `msgpack:"Proto,omitempty"`
}

// Encode marshals the response into a boundary payload.
func (r *Response) Encode() ([]byte, error) { return msgpack.Marshal(r) }

// flattenHeaders joins repeated header values with ", " the way the host
// schema expects a flat mapping.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))

	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}

	return out
}

func sameSiteName(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return "Default"
	}
}

func convertCookies(cookies []*http.Cookie) []ResponseCookie {
	if len(cookies) == 0 {
		return nil
	}

	out := make([]ResponseCookie, 0, len(cookies))

	for _, c := range cookies {
		rc := ResponseCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			MaxAge:   c.MaxAge,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
			SameSite: sameSiteName(c.SameSite),
		}

		if !c.Expires.IsZero() {
			rc.Expires = c.Expires.Format(time.RFC3339Nano)
		}

		out = append(out, rc)
	}

	return out
}

// errorKind maps any error to its boundary kind string. Unclassified errors
// surface as protocol errors rather than leaking Go error text semantics.
func errorKind(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	return KindProtocol
}

// errorStatus gives a failed exchange an HTTP-shaped status so hosts that
// key off Status alone still get a usable signal. DNS failures get 421 and
// other connection failures 502.
func errorStatus(kind string, err error) int {
	switch kind {
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindTLS:
		return 495
	case KindConnection:
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return http.StatusMisdirectedRequest
		}

		return http.StatusBadGateway
	case KindProxy:
		return http.StatusMisdirectedRequest
	default:
		return 0
	}
}

// EncodeError encodes err as a boundary response payload, so hosts decode
// failures through the same path as successes.
func EncodeError(err error) []byte {
	out, encErr := errorResponse("", err).Encode()
	if encErr != nil {
		return nil
	}

	return out
}

// errorResponse wraps err into a Status-0 boundary response. Transport-level
// failures additionally carry an HTTP-shaped status.
func errorResponse(requestID string, err error) *Response {
	kind := errorKind(err)

	return &Response{
		RequestID: requestID,
		Status:    errorStatus(kind, err),
		Body:      err.Error(),
		ErrorType: kind,
		Headers:   map[string]string{},
	}
}
