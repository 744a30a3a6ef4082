// Package cloak is a fingerprint-driven HTTP transport engine. It sends
// requests whose TLS, HTTP/2 and QUIC wire characteristics reproduce a
// chosen browser build, described by JA3/JA4R strings, Akamai-style HTTP/2
// fingerprints and named QUIC presets.
package cloak

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/enetx/http"
	"github.com/enetx/http/cookiejar"
	"github.com/enetx/http2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/enetx/cloak/header"
	"github.com/enetx/cloak/pkg/connectproxy"

	utls "github.com/enetx/utls"
)

// Engine executes boundary requests over fingerprinted transports. Transports
// are pooled per ConnectionKey and reused across requests that share one.
// An Engine is safe for concurrent use.
type Engine struct {
	profiles *ProfileRegistry
	pool     *transportPool
	log      *zap.Logger

	closeOnce sync.Once
	stop      chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger replaces the no-op default logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithProfileRegistry replaces the engine's profile registry.
func WithProfileRegistry(r *ProfileRegistry) Option {
	return func(e *Engine) {
		if r != nil {
			e.profiles = r
		}
	}
}

// New returns a ready Engine and starts its idle-transport janitor.
func New(opts ...Option) *Engine {
	e := &Engine{
		profiles: NewProfileRegistry(),
		pool:     newTransportPool(),
		log:      zap.NewNop(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	go e.janitor()

	return e
}

// Profiles returns the engine's profile registry.
func (e *Engine) Profiles() *ProfileRegistry { return e.profiles }

// Close shuts the engine down, closing every pooled transport. The engine
// must not be used afterwards.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stop)
		e.pool.Close()
	})

	return nil
}

// CloseIdleConnections evicts pooled transports idle longer than the entry
// TTL. The janitor calls this periodically; it is also safe to call directly.
func (e *Engine) CloseIdleConnections() { e.pool.CloseIdle(_poolIdleEntryTTL) }

func (e *Engine) janitor() {
	ticker := time.NewTicker(_idleConnTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.CloseIdleConnections()
		}
	}
}

// resolved carries the per-request fingerprint decisions after profile
// merging and parsing.
type resolved struct {
	ts          *TransportSpec
	ja3Fallback *TransportSpec
	http2fp     *HTTP2Fingerprint
	quicfp      *QUICFingerprint

	userAgent     string
	headerOrder   []string
	disableGREASE bool
	forceHTTP1    bool
	forceHTTP3    bool
}

// resolve merges the request with its profile and parses every fingerprint.
// Request-level fields win over profile fields. When no fingerprint of any
// kind is supplied the built-in default JA3 applies; any explicit fingerprint
// suppresses it.
func (e *Engine) resolve(req *Request) (*resolved, error) {
	res := &resolved{
		userAgent:     _defaultUserAgent,
		headerOrder:   req.HeaderOrder,
		disableGREASE: req.DisableGREASE,
		forceHTTP1:    req.ForceHTTP1 || req.Protocol == ProtocolHTTP1,
		forceHTTP3:    req.ForceHTTP3 || req.Protocol == ProtocolHTTP3,
	}

	ja3, ja4r := req.JA3, req.JA4R
	h2fp, qfp := req.HTTP2Fingerprint, req.QUICFingerprint

	if req.Profile != "" {
		p, ok := e.profiles.Lookup(req.Profile)
		if !ok {
			return nil, &FingerprintParseError{Format: "profile", Field: req.Profile, Msg: "unknown profile"}
		}

		if ja3 == "" {
			ja3 = p.JA3
		}

		if ja4r == "" {
			ja4r = p.JA4R
		}

		if h2fp == "" {
			h2fp = p.HTTP2Fingerprint
		}

		if qfp == "" {
			qfp = p.QUICFingerprint
		}

		if p.UserAgent != "" {
			res.userAgent = p.UserAgent
		}

		if len(res.headerOrder) == 0 {
			res.headerOrder = p.HeaderOrder
		}

		res.disableGREASE = res.disableGREASE || p.DisableGREASE
		res.forceHTTP1 = res.forceHTTP1 || p.ForceHTTP1
		res.forceHTTP3 = res.forceHTTP3 || p.ForceHTTP3
	}

	if req.UserAgent != "" {
		res.userAgent = req.UserAgent
	}

	switch {
	case ja4r != "":
		ts, err := ParseJA4R(ja4r)
		if err != nil {
			return nil, err
		}

		if ja3 != "" {
			j3, err := ParseJA3(ja3)
			if err != nil {
				return nil, err
			}

			ts.MergeJA3(j3)
			res.ja3Fallback = tls12Fallback(j3)
		}

		res.ts = ts
	case ja3 != "":
		ts, err := ParseJA3(ja3)
		if err != nil {
			return nil, err
		}

		res.ts = ts
	default:
		if h2fp == "" && qfp == "" {
			ts, err := ParseJA3(_defaultJA3)
			if err != nil {
				return nil, err
			}

			res.ts = ts
		}
	}

	if res.ts != nil && res.disableGREASE {
		res.ts.DisableGREASE = true
	}

	if h2fp != "" {
		fp, err := ParseHTTP2Fingerprint(h2fp)
		if err != nil {
			return nil, err
		}

		res.http2fp = fp
	}

	switch {
	case qfp != "":
		fp, err := ParseQUICFingerprint(qfp)
		if err != nil {
			return nil, err
		}

		res.quicfp = fp
	case res.ts != nil && res.ts.QUICLayer:
		fp, err := DeriveQUICFromJA4R(res.ts)
		if err != nil {
			return nil, err
		}

		res.quicfp = fp
	case res.forceHTTP3:
		return nil, &SpecIncoherentError{Msg: "http3 forced without a quic-capable fingerprint"}
	}

	return res, nil
}

// tls12Fallback derives the TLS 1.2 retry spec from a JA3 spec: version
// capped at 1.2 with the TLS 1.3 suites filtered out. Returns nil when the
// spec has no 1.2-capable suite to fall back onto.
func tls12Fallback(ts *TransportSpec) *TransportSpec {
	ciphers := make([]uint16, 0, len(ts.CipherSuites))

	for _, c := range ts.CipherSuites {
		if !isTLS13Suite(c) {
			ciphers = append(ciphers, c)
		}
	}

	if len(ciphers) == 0 {
		return nil
	}

	fb := *ts
	fb.CipherSuites = ciphers
	fb.TLSVersMax = versionTLS12

	if fb.TLSVersMin > versionTLS12 {
		fb.TLSVersMin = versionTLS12
	}

	fb.source = sourceJA3

	return &fb
}

// useHTTP3 reports whether the exchange should run over QUIC.
func (res *resolved) useHTTP3() bool {
	if res.quicfp == nil || res.forceHTTP1 {
		return false
	}

	return res.forceHTTP3 || (res.ts != nil && res.ts.QUICLayer)
}

// connectionKey derives the pool key for one request.
func (e *Engine) connectionKey(u *url.URL, req *Request, res *resolved) ConnectionKey {
	port := u.Port()
	if port == "" {
		if strings.EqualFold(u.Scheme, "https") {
			port = defaultHTTPSPort
		} else {
			port = defaultHTTPPort
		}
	}

	key := ConnectionKey{
		Scheme:     strings.ToLower(u.Scheme),
		Host:       u.Hostname(),
		Port:       port,
		Proxy:      req.Proxy,
		ServerName: req.ServerName,
	}

	if res.ts != nil {
		key.TLSVersion = res.ts.TLSVersMax
		key.TLSHash = res.ts.Hash()
	}

	if res.http2fp != nil {
		key.HTTP2Hash = res.http2fp.Hash()
	}

	if res.quicfp != nil {
		key.QUICHash = res.quicfp.Hash()
	}

	return key
}

// redirectPolicy is attached to the request context so pooled clients,
// shared across requests, still honor per-request redirect settings.
type redirectPolicy struct{ disable bool }

type redirectPolicyKey struct{}

// buildBundle assembles the transport stack for one ConnectionKey: dialer,
// proxy, fingerprinted TLS, the protocol transport and a jarred client.
func (e *Engine) buildBundle(req *Request, res *resolved) (*pooledTransport, error) {
	dialer := &net.Dialer{Timeout: _dialerTimeout, KeepAlive: _TCPKeepAlive}

	tlsCfg := &tls.Config{InsecureSkipVerify: req.InsecureSkipVerify}
	if req.ServerName != "" {
		tlsCfg.ServerName = req.ServerName
	}

	base := &http.Transport{
		DialContext:           dialer.DialContext,
		DisableCompression:    true,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     !res.forceHTTP1,
		IdleConnTimeout:       _idleConnTimeout,
		MaxConnsPerHost:       _maxConnsPerHost,
		MaxIdleConns:          _maxIdleConns,
		MaxIdleConnsPerHost:   _maxIdleConnsPerHost,
		ResponseHeaderTimeout: _responseHeaderTimeout,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   _tlsHandshakeTimeout,
	}

	useHTTP3 := res.useHTTP3()

	if req.Proxy != "" && !useHTTP3 {
		pd, err := connectproxy.NewDialer(req.Proxy)
		if err != nil {
			return nil, &ProxyError{Proxy: req.Proxy, Err: err}
		}

		base.DialContext = pd.DialContext
	}

	var transport http.RoundTripper

	switch {
	case useHTTP3:
		t3, err := newUQUICTransport(res.quicfp, tlsCfg, dialer, req.Proxy, req.ServerName)
		if err != nil {
			return nil, err
		}

		transport = t3
	case res.ts != nil:
		rt := newRoundTripper(res.ts, base)
		rt.ja3Fallback = res.ja3Fallback
		rt.tls13AutoRetry = req.TLS13AutoRetry
		rt.forceHTTP1 = res.forceHTTP1
		rt.serverName = req.ServerName
		rt.skipVerify = req.InsecureSkipVerify
		rt.clientSessionCache = utls.NewLRUClientSessionCache(0)

		if !res.forceHTTP1 {
			rt.enableHTTP2(res.http2fp)
		}

		transport = rt
	case res.http2fp != nil && !res.forceHTTP1:
		transport = standaloneHTTP2Transport(res.http2fp, base, tlsCfg)
	default:
		transport = base
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, &ProtocolError{Msg: "cookie jar: " + err.Error()}
	}

	cli := &http.Client{
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(hreq *http.Request, via []*http.Request) error {
			if p, ok := hreq.Context().Value(redirectPolicyKey{}).(redirectPolicy); ok && p.disable {
				return http.ErrUseLastResponse
			}

			if len(via) >= _maxRedirects {
				return &TooManyRedirectsError{Limit: _maxRedirects}
			}

			return nil
		},
	}

	return &pooledTransport{cli: cli, rt: transport}, nil
}

// standaloneHTTP2Transport shapes an HTTP/2 transport from the fingerprint
// alone, over the stock TLS stack. Used when a request carries an HTTP/2
// fingerprint but no TLS fingerprint.
func standaloneHTTP2Transport(fp *HTTP2Fingerprint, base *http.Transport, tlsCfg *tls.Config) *http2.Transport {
	t := &http2.Transport{
		DisableCompression: true,
		IdleConnTimeout:    _idleConnTimeout,
		ReadIdleTimeout:    _http2ReadIdleTimeout,
		PingTimeout:        _http2PingTimeout,
		WriteByteTimeout:   _http2WriteByteTimeout,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			rawConn, err := base.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			cfg = cfg.Clone()
			cfg.NextProtos = []string{"h2"}

			if cfg.ServerName == "" {
				if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
					cfg.ServerName = host
				} else {
					cfg.ServerName = addr
				}
			}

			conn := tls.Client(rawConn, cfg)
			if err := conn.HandshakeContext(ctx); err != nil {
				rawConn.Close()
				return nil, err
			}

			return conn, nil
		},
		TLSClientConfig: tlsCfg,
	}

	for _, s := range fp.Settings {
		t.Settings = append(t.Settings, http2.Setting{ID: http2.SettingID(s.ID), Val: s.Val})
	}

	if fp.WindowUpdate != 0 {
		t.ConnectionFlow = fp.WindowUpdate
	}

	if prio := fp.Priority; prio != nil {
		weight := prio.Weight
		if weight > 0 {
			weight--
		}

		t.PriorityParam = http2.PriorityParam{
			StreamDep: prio.DependsOn,
			Exclusive: prio.Exclusive,
			Weight:    weight,
		}

		if prio.StreamID != 0 {
			t.StreamID = prio.StreamID
		}
	}

	return t
}

// Do executes one boundary request and returns its boundary response. All
// failures come back as typed errors; the caller decides how to surface
// them.
func (e *Engine) Do(ctx context.Context, req *Request) (*Response, error) {
	req.normalize()

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &ProtocolError{Msg: "invalid url: " + err.Error()}
	}

	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return nil, &ProtocolError{Msg: "unsupported url: " + req.URL}
	}

	res, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	key := e.connectionKey(u, req, res)

	timeout := _requestTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx = context.WithValue(ctx, redirectPolicyKey{}, redirectPolicy{disable: req.DisableRedirect})

	var pt *pooledTransport

	if req.EnableConnectionReuse {
		pt, err = e.pool.Acquire(key, func() (*pooledTransport, error) {
			return e.buildBundle(req, res)
		})
	} else {
		pt, err = e.buildBundle(req, res)
	}

	if err != nil {
		return nil, err
	}

	broken := false

	defer func() {
		if req.EnableConnectionReuse {
			e.pool.Release(pt, broken)
		} else {
			pt.close()
		}
	}()

	hreq, err := buildHTTPRequest(ctx, req, res)
	if err != nil {
		return nil, err
	}

	e.log.Debug("request",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.String("key", key.String()),
	)

	resp, err := pt.cli.Do(hreq)
	if err != nil {
		err = classifyError(u.Host, err)
		broken = transportBroken(err)

		return nil, err
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		broken = true
		return nil, classifyError(u.Host, err)
	}

	out := &Response{
		RequestID: req.RequestID,
		Status:    resp.StatusCode,
		Headers:   flattenHeaders(resp.Header),
		FinalURL:  resp.Request.URL.String(),
		Cookies:   convertCookies(resp.Cookies()),
		Proto:     resp.Proto,
	}

	if utf8.Valid(data) {
		out.Body = string(data)
	} else {
		out.BodyBytes = data
	}

	return out, nil
}

// buildHTTPRequest converts a boundary request into a transport request with
// default headers, cookies and the wire header order applied.
func buildHTTPRequest(ctx context.Context, req *Request, res *resolved) (*http.Request, error) {
	body := req.bodyBytes()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return nil, &ProtocolError{Msg: "build request: " + err.Error()}
	}

	if body != nil {
		hreq.ContentLength = int64(len(body))
		hreq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	req.Headers.ForEach(func(key, value string) {
		hreq.Header.Set(key, value)
	})

	if hreq.Header.Get(header.USER_AGENT) == "" {
		hreq.Header.Set(header.USER_AGENT, res.userAgent)
	}

	if hreq.Header.Get(header.ACCEPT) == "" {
		hreq.Header.Set(header.ACCEPT, "*/*")
	}

	if hreq.Header.Get(header.ACCEPT_ENCODING) == "" {
		hreq.Header.Set(header.ACCEPT_ENCODING, "gzip, deflate, br")
	}

	for _, c := range req.Cookies {
		hreq.AddCookie(c.httpCookie())
	}

	// An explicit header order always wins; declaration order applies only
	// when no order list is configured anywhere.
	order := res.headerOrder
	if len(order) == 0 && req.OrderHeadersAsProvided {
		order = req.Headers.Keys()
	}

	applyHeaderOrder(hreq, order, res)

	return hreq, nil
}

// applyHeaderOrder records the HTTP/1.1 header order and the HTTP/2
// pseudo-header order on the outgoing request.
func applyHeaderOrder(hreq *http.Request, order []string, res *resolved) {
	if len(order) > 0 {
		lowered := make([]string, 0, len(order))

		for _, name := range order {
			if !strings.HasPrefix(name, ":") {
				lowered = append(lowered, strings.ToLower(name))
			}
		}

		hreq.Header[http.HeaderOrderKey] = lowered
	}

	if res.http2fp != nil && len(res.http2fp.PseudoOrder) > 0 {
		hreq.Header[http.PHeaderOrderKey] = res.http2fp.PseudoOrder
	}
}

// classifyError maps a transport failure onto the boundary error taxonomy.
// Already-typed errors pass through, wrapped ones are unwrapped first.
func classifyError(host string, err error) error {
	var redirects *TooManyRedirectsError
	if errors.As(err, &redirects) {
		return redirects
	}

	var k kinder
	if errors.As(err, &k) {
		return k
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return &CancelledError{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ConnectionError{Addr: host, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &ConnectionError{Addr: host, Err: err}
	}

	return &ProtocolError{Msg: err.Error()}
}

// transportBroken reports whether the failure poisons the pooled transport.
// Redirect caps, timeouts and cancellations leave the connection reusable.
func transportBroken(err error) bool {
	switch errorKind(err) {
	case KindTLS, KindConnection, KindProtocol, KindProxy:
		return true
	default:
		return false
	}
}
