package cloak

import (
	"strings"

	"github.com/enetx/g"
	"github.com/enetx/http"
	"github.com/vmihailenco/msgpack/v5"
)

// Protocol selects the exchange flavor of one boundary request.
const (
	ProtocolHTTP1     = "http1"
	ProtocolHTTP2     = "http2"
	ProtocolHTTP3     = "http3"
	ProtocolWebSocket = "websocket"
	ProtocolSSE       = "sse"
)

// Cookie is the boundary representation of a request cookie. SameSite uses
// the numeric codes 1=Default, 2=Lax, 3=Strict, 4=None.
type Cookie struct {
	Name       string `msgpack:"name"`
	Value      string `msgpack:"value"`
	Path       string `msgpack:"path,omitempty"`
	Domain     string `msgpack:"domain,omitempty"`
	Expires    string `msgpack:"expires,omitempty"`
	RawExpires string `msgpack:"rawExpires,omitempty"`
	MaxAge     int    `msgpack:"maxAge,omitempty"`
	Secure     bool   `msgpack:"secure,omitempty"`
	HTTPOnly   bool   `msgpack:"httpOnly,omitempty"`
	SameSite   int    `msgpack:"sameSite,omitempty"`
}

// httpCookie converts the boundary cookie into the transport representation.
func (c Cookie) httpCookie() *http.Cookie {
	cookie := &http.Cookie{
		Name:       c.Name,
		Value:      c.Value,
		Path:       c.Path,
		Domain:     c.Domain,
		RawExpires: c.RawExpires,
		MaxAge:     c.MaxAge,
		Secure:     c.Secure,
		HttpOnly:   c.HTTPOnly,
	}

	switch c.SameSite {
	case 2:
		cookie.SameSite = http.SameSiteLaxMode
	case 3:
		cookie.SameSite = http.SameSiteStrictMode
	case 4:
		cookie.SameSite = http.SameSiteNoneMode
	default:
		cookie.SameSite = http.SameSiteDefaultMode
	}

	return cookie
}

// OrderedHeaders is the boundary header mapping with wire order preserved,
// which plain Go maps cannot guarantee through a msgpack round trip.
type OrderedHeaders g.MapOrd[string, string]

// Set replaces the value under key, appending the key when absent.
func (h *OrderedHeaders) Set(key, value string) { (*g.MapOrd[string, string])(h).Insert(key, value) }

// Get returns the value stored under key.
func (h OrderedHeaders) Get(key string) g.Option[string] {
	return g.MapOrd[string, string](h).Get(key)
}

// Len returns the number of stored headers.
func (h OrderedHeaders) Len() int { return g.MapOrd[string, string](h).Len().Std() }

// ForEach visits every header pair in stored order.
func (h OrderedHeaders) ForEach(fn func(key, value string)) {
	g.MapOrd[string, string](h).Iter().ForEach(fn)
}

// Keys returns the header names in stored order.
func (h OrderedHeaders) Keys() []string {
	keys := make([]string, 0, h.Len())
	h.ForEach(func(key, _ string) { keys = append(keys, key) })

	return keys
}

// DecodeMsgpack reads the header mapping preserving key order.
func (h *OrderedHeaders) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}

	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}

		value, err := dec.DecodeString()
		if err != nil {
			return err
		}

		h.Set(key, value)
	}

	return nil
}

// EncodeMsgpack writes the header mapping in stored order.
func (h OrderedHeaders) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(h.Len()); err != nil {
		return err
	}

	var encErr error

	h.ForEach(func(key, value string) {
		if encErr != nil {
			return
		}

		if encErr = enc.EncodeString(key); encErr == nil {
			encErr = enc.EncodeString(value)
		}
	})

	return encErr
}

// Request is one boundary request message. Field names follow the host-side
// schema; zero values mean "not set" except where a default is noted.
type Request struct {
	RequestID              string         `msgpack:"requestId,omitempty"`
	URL                    string         `msgpack:"url"`
	Method                 string         `msgpack:"method,omitempty"`
	Headers                OrderedHeaders `msgpack:"headers,omitempty"`
	HeaderOrder            []string       `msgpack:"headerOrder,omitempty"`
	OrderHeadersAsProvided bool           `msgpack:"orderHeadersAsProvided,omitempty"`
	Cookies                []Cookie       `msgpack:"cookies,omitempty"`
	Body                   string         `msgpack:"body,omitempty"`
	BodyBytes              []byte         `msgpack:"bodyBytes,omitempty"`
	Profile                string         `msgpack:"profile,omitempty"`
	JA3                    string         `msgpack:"ja3,omitempty"`
	JA4R                   string         `msgpack:"ja4r,omitempty"`
	HTTP2Fingerprint       string         `msgpack:"http2Fingerprint,omitempty"`
	QUICFingerprint        string         `msgpack:"quicFingerprint,omitempty"`
	DisableGREASE          bool           `msgpack:"disableGrease,omitempty"`
	UserAgent              string         `msgpack:"userAgent,omitempty"`
	Proxy                  string         `msgpack:"proxy,omitempty"`
	Timeout                int            `msgpack:"timeout,omitempty"` // seconds
	DisableRedirect        bool           `msgpack:"disableRedirect,omitempty"`
	EnableConnectionReuse  bool           `msgpack:"enableConnectionReuse"` // default true
	InsecureSkipVerify     bool           `msgpack:"insecureSkipVerify,omitempty"`
	ServerName             string         `msgpack:"serverName,omitempty"`
	ForceHTTP1             bool           `msgpack:"forceHTTP1,omitempty"`
	ForceHTTP3             bool           `msgpack:"forceHTTP3,omitempty"`
	Protocol               string         `msgpack:"protocol,omitempty"`
	TLS13AutoRetry         bool           `msgpack:"tls13AutoRetry"` // default true
}

// NewRequest returns a request with boundary defaults applied.
func NewRequest(url string) *Request {
	return &Request{URL: url, EnableConnectionReuse: true, TLS13AutoRetry: true}
}

// DecodeRequest unmarshals a boundary payload. Absent keys keep their
// defaults (connection reuse and the TLS 1.3 retry stay on).
func DecodeRequest(payload []byte) (*Request, error) {
	req := &Request{EnableConnectionReuse: true, TLS13AutoRetry: true}

	if err := msgpack.Unmarshal(payload, req); err != nil {
		return nil, &ProtocolError{Msg: "malformed request payload: " + err.Error()}
	}

	req.normalize()

	return req, nil
}

// normalize canonicalizes the method and applies the profile-independent
// request defaults.
func (r *Request) normalize() {
	method := strings.ToUpper(strings.TrimSpace(r.Method))

	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions,
		http.MethodConnect, http.MethodTrace:
		r.Method = method
	default:
		r.Method = http.MethodGet
	}
}

// bodyReader returns the request payload bytes; binary bodies win over the
// string form and are sent verbatim.
func (r *Request) bodyBytes() []byte {
	if len(r.BodyBytes) > 0 {
		return r.BodyBytes
	}

	if r.Body != "" {
		return []byte(r.Body)
	}

	return nil
}

// hasExplicitFingerprint reports whether any non-JA3 fingerprint is present,
// which suppresses the built-in default JA3.
func (r *Request) hasExplicitFingerprint() bool {
	return r.JA4R != "" || r.HTTP2Fingerprint != "" || r.QUICFingerprint != ""
}
