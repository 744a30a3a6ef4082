package cloak

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enetx/g"
	"github.com/enetx/g/ref"
	"github.com/enetx/http"
	"github.com/enetx/http2"

	utls "github.com/enetx/utls"
)

// roundtripper drives fingerprinted TLS handshakes for one ConnectionKey and
// routes requests to the HTTP/1.1 or HTTP/2 transport behind it. It owns the
// retry ladder: primary attempt, TLS 1.3 curve rewrite, JA3 fallback.
type roundtripper struct {
	http1tr *http.Transport
	http2tr *http2.Transport

	spec           *TransportSpec
	ja3Fallback    *TransportSpec // present when a JA3 string accompanied a JA4R
	http2fp        *HTTP2Fingerprint
	tls13AutoRetry bool
	forceHTTP1     bool
	serverName     string
	skipVerify     bool

	clientSessionCache utls.ClientSessionCache

	// retryMu serializes handshake retries so concurrent requests on the
	// same key do not all redial with rewritten specs.
	retryMu sync.Mutex
}

// newRoundTripper wraps base with fingerprinted TLS dialing. base must be the
// *http.Transport that carries the dialer and proxy configuration.
func newRoundTripper(spec *TransportSpec, base http.RoundTripper) *roundtripper {
	http1tr, ok := base.(*http.Transport)
	if !ok {
		panic("cloak: underlying transport must be *http.Transport")
	}

	rt := &roundtripper{
		http1tr: http1tr,
		spec:    spec,
	}

	rt.http1tr.DialTLSContext = rt.dialTLS

	return rt
}

// enableHTTP2 attaches an HTTP/2 transport shaped by the fingerprint.
func (rt *roundtripper) enableHTTP2(fp *HTTP2Fingerprint) {
	rt.http2fp = fp
	rt.http2tr = rt.buildHTTP2Transport()
}

// RoundTrip executes a single HTTP request.
func (rt *roundtripper) RoundTrip(req *http.Request) (*http.Response, error) {
	scheme := g.String(req.URL.Scheme).Lower()

	switch scheme {
	case "http":
		return rt.http1tr.RoundTrip(req)
	case "https":
		return rt.handleHTTPSRequest(req)
	default:
		return nil, fmt.Errorf("invalid URL scheme: %s", req.URL.Scheme)
	}
}

// handleHTTPSRequest tries HTTP/2 first and falls back to HTTP/1.1 when the
// forced-HTTP/1 flag or the server leaves no h2 path.
func (rt *roundtripper) handleHTTPSRequest(req *http.Request) (*http.Response, error) {
	if rt.http2tr == nil || rt.forceHTTP1 {
		return rt.http1tr.RoundTrip(req)
	}

	resp, err := rt.http2tr.RoundTrip(req)
	if err == nil {
		return resp, nil
	}

	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, ctxErr
	}

	// Restore request body if needed for retry
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("cloak: HTTP/2 failed and cannot retry because req.GetBody is nil: %w", err)
		}

		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, fmt.Errorf("cloak: failed to restore body for fallback: %w", bodyErr)
		}
		req.Body = body
	}

	return rt.http1tr.RoundTrip(req)
}

// CloseIdleConnections closes all idle connections.
func (rt *roundtripper) CloseIdleConnections() {
	if rt.http1tr != nil {
		rt.http1tr.CloseIdleConnections()
	}

	if rt.http2tr != nil {
		rt.http2tr.CloseIdleConnections()
	}
}

// buildHTTP2Transport builds the HTTP/2 transport with SETTINGS in exactly
// the fingerprint's order. A setting the fingerprint omits is never sent,
// even where RFC 7540 names a default.
func (rt *roundtripper) buildHTTP2Transport() *http2.Transport {
	t := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return rt.dialTLS(ctx, network, addr)
		},
		DisableCompression: rt.http1tr.DisableCompression,
		IdleConnTimeout:    rt.http1tr.IdleConnTimeout,
		ReadIdleTimeout:    _http2ReadIdleTimeout,
		PingTimeout:        _http2PingTimeout,
		WriteByteTimeout:   _http2WriteByteTimeout,
	}

	fp := rt.http2fp
	if fp == nil {
		return t
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
			weight-- // wire encoding is weight-1
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

// dialTLS performs the fingerprinted handshake with the retry ladder:
//
//  1. primary attempt with the spec as parsed;
//  2. when tls13 auto-retry applies, one redial with supported_groups
//     rewritten to the TLS 1.3 key-exchange curves;
//  3. when the primary spec came from a JA4R and a JA3 is attached, one
//     redial with the JA3-derived TLS 1.2 spec.
//
// Retries hold the per-key mutex so concurrent requests to the same remote
// do not both redial.
func (rt *roundtripper) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := rt.tlsHandshake(ctx, network, addr, rt.currentSpec())
	if err == nil {
		return conn, nil
	}

	if !retryableHandshakeError(err) {
		return nil, err
	}

	rt.retryMu.Lock()
	defer rt.retryMu.Unlock()

	spec := rt.spec

	if rt.tls13AutoRetry && spec.TLSVersMax == versionTLS13 && spec.hasRetryableCurves() {
		retrySpec := spec.WithRetryCurves()

		conn, retryErr := rt.tlsHandshake(ctx, network, addr, retrySpec)
		if retryErr == nil {
			rt.setSpec(retrySpec)
			return conn, nil
		}

		err = retryErr
	}

	if spec.source == sourceJA4R && rt.ja3Fallback != nil && retryableHandshakeError(err) {
		conn, fbErr := rt.tlsHandshake(ctx, network, addr, rt.ja3Fallback)
		if fbErr == nil {
			rt.setSpec(rt.ja3Fallback)
			return conn, nil
		}
	}

	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = addr
	}

	return nil, &TLSError{Host: host, Err: err}
}

func (rt *roundtripper) currentSpec() *TransportSpec {
	rt.retryMu.Lock()
	defer rt.retryMu.Unlock()
	return rt.spec
}

// setSpec adopts a retry spec so later dials on this key skip the failing
// primary. Caller holds retryMu.
func (rt *roundtripper) setSpec(spec *TransportSpec) { rt.spec = spec }

// hasRetryableCurves reports whether rewriting supported_groups could change
// the outcome: either the spec lists a group the TLS stack cannot key-share,
// or the list differs from the retry set.
func (ts *TransportSpec) hasRetryableCurves() bool {
	if ts.hasUnsupportedCurve() {
		return true
	}

	if len(ts.Curves) != len(tls13RetryCurves) {
		return true
	}

	for i, c := range ts.Curves {
		if c != tls13RetryCurves[i] {
			return true
		}
	}

	return false
}

// retryableHandshakeError separates handshake-level refusals, which the
// retry ladder may act on, from failures no respin can fix: cancellation,
// deadline expiry and dial errors. Classification is by error type, never by
// message text.
func retryableHandshakeError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}

	return true
}

// tlsHandshake performs a full TLS handshake using uTLS with a spec freshly
// synthesized from ts, so every dial carries its own GREASE values.
func (rt *roundtripper) tlsHandshake(ctx context.Context, network, addr string, ts *TransportSpec) (*utls.UConn, error) {
	timeout := rt.http1tr.TLSHandshakeTimeout
	if timeout > 0 {
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining < timeout {
				timeout = remaining
			}
		}

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rawConn, err := rt.http1tr.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host := rt.serverName
	if host == "" {
		if host, _, err = net.SplitHostPort(addr); err != nil {
			host = addr
		}
	}

	synthesized, err := Synthesize(ts)
	if err != nil {
		rawConn.Close()
		return nil, err
	}

	spec := ref.Of(synthesized)

	if rt.forceHTTP1 {
		setAlpnProtocolToHTTP1(spec)
	}

	config := &utls.Config{
		ServerName:             host,
		InsecureSkipVerify:     rt.skipVerify,
		SessionTicketsDisabled: true,
		OmitEmptyPsk:           true,
	}

	if supportsResumption(*spec) && rt.clientSessionCache != nil {
		config.ClientSessionCache = rt.clientSessionCache
		config.PreferSkipResumptionOnNilExtension = true
		config.SessionTicketsDisabled = false
	}

	uconn := utls.UClient(rawConn, config, utls.HelloCustom)
	if err = uconn.ApplyPreset(spec); err != nil {
		uconn.Close()
		return nil, err
	}

	if err = uconn.HandshakeContext(ctx); err != nil {
		uconn.Close()
		return nil, err
	}

	return uconn, nil
}

// supportsResumption checks if a ClientHelloSpec supports TLS session resumption.
func supportsResumption(spec utls.ClientHelloSpec) bool {
	var (
		hasSessionTicket bool
		hasPskModes      bool
		hasPreSharedKey  bool
	)

	for _, ext := range spec.Extensions {
		switch ext.(type) {
		case *utls.SessionTicketExtension:
			hasSessionTicket = true
		case *utls.PSKKeyExchangeModesExtension:
			hasPskModes = true
		case *utls.UtlsPreSharedKeyExtension, *utls.FakePreSharedKeyExtension:
			hasPreSharedKey = true
		}

		if hasSessionTicket && hasPskModes && hasPreSharedKey {
			return true
		}
	}

	// TLS 1.3 resumption needs all indicators at once; a lone session
	// ticket extension is the TLS 1.2 signal.
	if hasPskModes || hasPreSharedKey {
		return false
	}

	return hasSessionTicket
}

// setAlpnProtocolToHTTP1 modifies the given ClientHelloSpec to prefer HTTP/1.1
// by updating or adding the ALPN extension.
func setAlpnProtocolToHTTP1(utlsSpec *utls.ClientHelloSpec) {
	for _, ext := range utlsSpec.Extensions {
		if alpns, ok := ext.(*utls.ALPNExtension); ok {
			protocols := make([]string, 0, len(alpns.AlpnProtocols))
			hasHTTP1 := false

			for _, proto := range alpns.AlpnProtocols {
				if proto == "h2" {
					continue
				}

				if proto == "http/1.1" {
					hasHTTP1 = true
				}

				protocols = append(protocols, proto)
			}

			if !hasHTTP1 {
				protocols = append(protocols, "http/1.1")
			}

			alpns.AlpnProtocols = protocols
			return
		}
	}

	utlsSpec.Extensions = append(utlsSpec.Extensions, &utls.ALPNExtension{
		AlpnProtocols: []string{"http/1.1"},
	})
}
