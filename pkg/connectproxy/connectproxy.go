// Package connectproxy dials through HTTP CONNECT, SOCKS4 and SOCKS5
// proxies. HTTPS proxies are supported over both HTTP/1.1 and HTTP/2.
package connectproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/enetx/http"
	"github.com/enetx/http2"
	"github.com/wzshiming/socks5"
	"golang.org/x/net/proxy"

	_ "github.com/enetx/cloak/pkg/socks4"
)

// ErrProxyURL reports an unusable proxy URL.
type ErrProxyURL struct{ Msg string }

func (e *ErrProxyURL) Error() string { return "bad proxy url: " + e.Msg }

// ErrProxyStatus reports a CONNECT refusal from the proxy.
type ErrProxyStatus struct{ Msg string }

func (e *ErrProxyStatus) Error() string { return "proxy response status: " + e.Msg }

// ErrPasswordEmpty reports credentials with a username but no password.
type ErrPasswordEmpty struct{ Msg string }

func (e *ErrPasswordEmpty) Error() string { return "password is empty: " + e.Msg }

// ErrProxyEmpty reports a dialer whose proxy URL was cleared.
type ErrProxyEmpty struct{}

func (e *ErrProxyEmpty) Error() string { return "proxy is not set" }

// ContextKeyHeader attaches extra CONNECT headers to a dial context. The
// value must be a map[string][]string.
type ContextKeyHeader struct{}

// Dialer dials targets through the configured proxy.
type Dialer struct {
	ProxyURL      *url.URL
	DefaultHeader http.Header
	Dialer        net.Dialer

	// DialTLS overrides the TLS dial to an HTTPS proxy. It returns the
	// connection and the negotiated ALPN protocol.
	DialTLS func(network, address string) (net.Conn, string, error)

	resolver *net.Resolver
}

var defaultPorts = map[string]string{
	"http":    "80",
	"https":   "443",
	"socks4":  "1080",
	"socks4a": "1080",
	"socks5":  "1080",
	"socks5h": "1080",
}

// NewDialer parses a proxy URL and returns a dialer for it. Supported
// schemes: http, https, socks4, socks4a, socks5, socks5h.
func NewDialer(rawProxy string) (*Dialer, error) {
	if rawProxy == "" {
		return nil, &ErrProxyURL{Msg: "empty"}
	}

	u, err := url.Parse(rawProxy)
	if err != nil {
		return nil, &ErrProxyURL{Msg: err.Error()}
	}

	port, ok := defaultPorts[u.Scheme]
	if !ok {
		return nil, &ErrProxyURL{Msg: rawProxy}
	}

	if u.Hostname() == "" {
		return nil, &ErrProxyURL{Msg: rawProxy}
	}

	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}

	d := &Dialer{ProxyURL: u, DefaultHeader: make(http.Header)}

	if user := u.User; user != nil {
		password, hasPassword := user.Password()

		switch u.Scheme {
		case "http", "https":
			if !hasPassword || password == "" {
				return nil, &ErrPasswordEmpty{Msg: rawProxy}
			}

			credentials := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
			d.DefaultHeader.Set("Proxy-Authorization", "Basic "+credentials)
		}
	}

	return d, nil
}

// SetResolver installs a resolver used to resolve target hostnames locally
// before they reach the proxy. socks5h targets keep their hostname, since
// that scheme resolves at the proxy.
func (d *Dialer) SetResolver(r *net.Resolver) { d.resolver = r }

// Dial connects to addr through the proxy.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext connects to addr through the proxy, honoring ctx cancellation
// and deadlines.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.ProxyURL == nil {
		return nil, new(ErrProxyEmpty)
	}

	switch d.ProxyURL.Scheme {
	case "socks5", "socks5h":
		return d.dialSOCKS5(ctx, network, addr)
	case "socks4", "socks4a":
		return d.dialSOCKS4(ctx, network, d.resolveAddr(ctx, addr))
	default:
		return d.dialCONNECT(ctx, network, d.resolveAddr(ctx, addr))
	}
}

// resolveAddr replaces the host part of addr with a resolved IP when a
// custom resolver is configured. Failures leave addr untouched and let the
// proxy resolve it.
func (d *Dialer) resolveAddr(ctx context.Context, addr string) string {
	if d.resolver == nil {
		return addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil || net.ParseIP(host) != nil {
		return addr
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return addr
	}

	return net.JoinHostPort(ips[0], port)
}

func (d *Dialer) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	sd, err := socks5.NewDialer(d.ProxyURL.String())
	if err != nil {
		return nil, err
	}

	sd.ProxyDial = d.Dialer.DialContext

	if d.ProxyURL.Scheme != "socks5h" {
		addr = d.resolveAddr(ctx, addr)
	}

	return sd.DialContext(ctx, network, addr)
}

func (d *Dialer) dialSOCKS4(ctx context.Context, network, addr string) (net.Conn, error) {
	pd, err := proxy.FromURL(d.ProxyURL, &d.Dialer)
	if err != nil {
		return nil, err
	}

	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}

	return pd.Dial(network, addr)
}

// dialCONNECT establishes a tunnel through an HTTP or HTTPS proxy. HTTPS
// proxies that negotiate h2 get the tunnel as an HTTP/2 CONNECT stream.
func (d *Dialer) dialCONNECT(ctx context.Context, network, addr string) (net.Conn, error) {
	var (
		conn       net.Conn
		negotiated string
		err        error
	)

	if d.ProxyURL.Scheme == "https" {
		conn, negotiated, err = d.dialProxyTLS(ctx, network)
	} else {
		conn, err = d.Dialer.DialContext(ctx, network, d.ProxyURL.Host)
	}

	if err != nil {
		return nil, err
	}

	hdr := d.DefaultHeader.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}

	if extra, ok := ctx.Value(ContextKeyHeader{}).(map[string][]string); ok {
		for name, values := range extra {
			hdr[name] = values
		}
	}

	if negotiated == "h2" {
		return d.connectHTTP2(conn, addr, hdr)
	}

	return d.connectHTTP1(ctx, conn, addr, hdr)
}

func (d *Dialer) dialProxyTLS(ctx context.Context, network string) (net.Conn, string, error) {
	if d.DialTLS != nil {
		return d.DialTLS(network, d.ProxyURL.Host)
	}

	rawConn, err := d.Dialer.DialContext(ctx, network, d.ProxyURL.Host)
	if err != nil {
		return nil, "", err
	}

	cfg := &tls.Config{
		ServerName: d.ProxyURL.Hostname(),
		NextProtos: []string{"h2", "http/1.1"},
	}

	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, "", err
	}

	return tlsConn, tlsConn.ConnectionState().NegotiatedProtocol, nil
}

func (d *Dialer) connectHTTP1(ctx context.Context, conn net.Conn, addr string, hdr http.Header) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: hdr,
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(noDeadline)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)

	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, &ErrProxyStatus{Msg: resp.Status}
	}

	return conn, nil
}

func (d *Dialer) connectHTTP2(conn net.Conn, addr string, hdr http.Header) (net.Conn, error) {
	t2 := new(http2.Transport)

	h2conn, err := t2.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	pr, pw := io.Pipe()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: hdr,
		Body:   pr,
	}

	resp, err := h2conn.RoundTrip(req)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		conn.Close()

		return nil, &ErrProxyStatus{Msg: resp.Status}
	}

	return &http2Conn{Conn: conn, in: pw, out: resp.Body}, nil
}

var noDeadline = time.Time{}

// http2Conn adapts an HTTP/2 CONNECT stream to net.Conn: writes flow into
// the request body, reads come from the response body.
type http2Conn struct {
	net.Conn
	in  *io.PipeWriter
	out io.ReadCloser
}

func (h *http2Conn) Read(p []byte) (int, error) { return h.out.Read(p) }

func (h *http2Conn) Write(p []byte) (int, error) { return h.in.Write(p) }

func (h *http2Conn) Close() error {
	h.in.Close()
	h.out.Close()

	return h.Conn.Close()
}
