package cloak

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/enetx/cloak/pkg/quicconn"
	"github.com/enetx/g/ref"
	"github.com/enetx/http"
	uquic "github.com/enetx/uquic"
	"github.com/enetx/uquic/http3"
	utls "github.com/enetx/utls"
	"github.com/wzshiming/socks5"
)

// uquicTransport carries HTTP/3 requests for one ConnectionKey with the QUIC
// Initial packet and its embedded ClientHello shaped by a uQUIC spec. The
// transport owns a single h3 round tripper, and with it a single UDP socket,
// per key; proxied flows go through a SOCKS5 UDP associate tunnel.
type uquicTransport struct {
	quicSpec   *uquic.QUICSpec
	tlsConfig  *tls.Config
	dialer     *net.Dialer
	proxy      string
	serverName string

	once sync.Once
	h3   http.RoundTripper
}

// newUQUICTransport builds the HTTP/3 transport for one key. Only SOCKS5
// proxies can relay QUIC datagrams; any other proxy scheme fails here.
func newUQUICTransport(fp *QUICFingerprint, tlsConfig *tls.Config, dialer *net.Dialer, proxy, serverName string) (*uquicTransport, error) {
	spec := fp.Spec()
	if spec.IsErr() {
		return nil, spec.Err()
	}

	if proxy != "" && !isSOCKS5(proxy) {
		return nil, &ProxyError{Proxy: proxy, Err: errors.New("HTTP/3 requires a socks5 proxy for UDP relay")}
	}

	return &uquicTransport{
		quicSpec:   ref.Of(spec.Ok()),
		tlsConfig:  tlsConfig,
		dialer:     dialer,
		proxy:      proxy,
		serverName: serverName,
	}, nil
}

// CloseIdleConnections tears down the h3 round tripper's connections.
func (ut *uquicTransport) CloseIdleConnections() {
	switch rt := ut.h3.(type) {
	case *http3.RoundTripper:
		rt.CloseIdleConnections()
	case *http3.URoundTripper:
		rt.CloseIdleConnections()
	}
}

// Close shuts the transport down entirely.
func (ut *uquicTransport) Close() error {
	ut.CloseIdleConnections()

	if closer, ok := ut.h3.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

// transport lazily builds the single h3 round tripper for this key, wrapping
// it so every dial synthesizes the Initial packet from the uQUIC spec.
func (ut *uquicTransport) transport(req *http.Request) http.RoundTripper {
	ut.once.Do(func() {
		base := &http3.RoundTripper{
			TLSClientConfig: tlsToUTLS(ut.tlsConfig),
			QuicConfig:      &uquic.Config{},
		}

		var h3 http.RoundTripper = http3.GetURoundTripper(base, ut.quicSpec, nil)

		hostname := ut.serverName
		if hostname == "" {
			hostname = req.URL.Hostname()
		}

		dialFunc := func(ctx context.Context, quicAddr string, tlsCfg *utls.Config, cfg *uquic.Config) (uquic.EarlyConnection, error) {
			if tlsCfg == nil {
				tlsCfg = &utls.Config{}
			}

			if tlsCfg.ServerName == "" && hostname != "" && net.ParseIP(hostname) == nil {
				clone := tlsCfg.Clone()
				clone.ServerName = hostname
				tlsCfg = clone
			}

			if ut.proxy != "" {
				return ut.dialSOCKS5(ctx, quicAddr, tlsCfg, cfg)
			}

			return ut.dialDirect(ctx, quicAddr, tlsCfg, cfg)
		}

		switch rt := h3.(type) {
		case *http3.URoundTripper:
			if rt.RoundTripper != nil {
				rt.RoundTripper.Dial = dialFunc
			}

			rt.Dial = dialFunc
		case *http3.RoundTripper:
			rt.Dial = dialFunc
		}

		ut.h3 = h3
	})

	return ut.h3
}

// tlsToUTLS copies the engine's TLS settings into the config the uQUIC dial
// path consumes.
func tlsToUTLS(tlsConf *tls.Config) *utls.Config {
	if tlsConf == nil {
		return &utls.Config{}
	}

	return &utls.Config{
		ServerName:         tlsConf.ServerName,
		InsecureSkipVerify: tlsConf.InsecureSkipVerify,
		NextProtos:         tlsConf.NextProtos,
		RootCAs:            tlsConf.RootCAs,
		MinVersion:         tlsConf.MinVersion,
		MaxVersion:         tlsConf.MaxVersion,
		CipherSuites:       tlsConf.CipherSuites,
	}
}

// resolve always resolves host:port to ip:port, using the dialer's custom
// resolver when one is configured.
func (ut *uquicTransport) resolve(ctx context.Context, address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", err
	}

	r := net.DefaultResolver
	if ut.dialer != nil && ut.dialer.Resolver != nil {
		r = ut.dialer.Resolver
	}

	ips, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}

	if len(ips) == 0 {
		return "", &net.DNSError{Err: "no such host", Name: host}
	}

	ip := ips[rand.IntN(len(ips))].IP

	return net.JoinHostPort(ip.String(), port), nil
}

const (
	directConnectionTimeout = 2 * time.Minute
	proxyConnectionTimeout  = 3 * time.Minute
)

// connectionCleanup spawns a goroutine that closes packetConn when conn
// terminates or after a timeout.
func connectionCleanup(conn uquic.Connection, packetConn net.PacketConn, isProxy bool) {
	timeout := directConnectionTimeout
	reason := "connection timeout"

	if isProxy {
		timeout = proxyConnectionTimeout
		reason = "proxy timeout"
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-conn.Context().Done():
			_ = packetConn.Close()
		case <-timer.C:
			_ = packetConn.Close()
			_ = conn.CloseWithError(0, reason)
		}
	}()
}

// dialSOCKS5 establishes a QUIC connection through a SOCKS5 UDP associate.
func (ut *uquicTransport) dialSOCKS5(ctx context.Context, address string, tlsConfig *utls.Config, cfg *uquic.Config) (uquic.EarlyConnection, error) {
	resolved, err := ut.resolve(ctx, address)
	if err != nil {
		return nil, &ProxyError{Proxy: ut.proxy, Err: fmt.Errorf("resolve target: %w", err)}
	}

	proxyURL, err := url.Parse(ut.proxy)
	if err != nil {
		return nil, &ProxyError{Proxy: ut.proxy, Err: err}
	}

	dialer, err := socks5.NewDialer(proxyURL.String())
	if err != nil {
		return nil, &ProxyError{Proxy: ut.proxy, Err: err}
	}

	conn, err := dialer.DialContext(ctx, "udp", resolved)
	if err != nil {
		return nil, &ProxyError{Proxy: ut.proxy, Err: fmt.Errorf("udp associate: %w", err)}
	}

	host, portStr, err := net.SplitHostPort(resolved)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("split host/port: %w", err)
	}

	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 || p > 65535 {
		_ = conn.Close()
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var remoteAddr *net.UDPAddr
	if ip := net.ParseIP(host); ip != nil {
		remoteAddr = &net.UDPAddr{IP: ip, Port: p}
	} else {
		remoteAddr = &net.UDPAddr{Port: p}
	}

	// wzshiming/socks5 relays datagrams as raw bytes, so the adapter passes
	// payloads through untouched.
	packetConn := quicconn.New(conn, remoteAddr)

	if cfg == nil {
		cfg = &uquic.Config{}
	}

	c, err := uquic.DialEarly(ctx, packetConn, remoteAddr, tlsConfig, cfg)
	if err != nil {
		_ = packetConn.Close()
		return nil, fmt.Errorf("quic dial via socks5: %w", err)
	}

	connectionCleanup(c, packetConn, true)

	return c, nil
}

// dialDirect establishes a QUIC connection on a dedicated UDP socket.
func (ut *uquicTransport) dialDirect(ctx context.Context, address string, tlsConfig *utls.Config, cfg *uquic.Config) (uquic.EarlyConnection, error) {
	resolved, err := ut.resolve(ctx, address)
	if err != nil {
		return nil, &ConnectionError{Addr: address, Err: err}
	}

	host, port, err := net.SplitHostPort(resolved)
	if err != nil {
		return nil, fmt.Errorf("split host/port: %w", err)
	}

	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip after resolve: %q", host)
	}

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, &ConnectionError{Addr: resolved, Err: err}
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = udpConn.SetDeadline(dl)
	}

	targetAddr := &net.UDPAddr{IP: ip, Port: p}

	if cfg == nil {
		cfg = &uquic.Config{}
	}

	conn, err := uquic.DialEarly(ctx, udpConn, targetAddr, tlsConfig, cfg)
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	// Dial deadline only; the connection outlives it.
	_ = udpConn.SetDeadline(time.Time{})

	connectionCleanup(conn, udpConn, false)

	return conn, nil
}

// RoundTrip carries the request over HTTP/3. The uQUIC round tripper deals in
// the same request type as the rest of the engine, so requests pass through
// unconverted.
func (ut *uquicTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "" {
		clone := *req.URL
		clone.Scheme = "https"
		req.URL = &clone
	}

	return ut.transport(req).RoundTrip(req)
}

// isHTTP3UnsupportedError classifies failures that mean the remote cannot
// speak HTTP/3 on this path, as opposed to caller-driven cancellation.
func isHTTP3UnsupportedError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var appErr *uquic.ApplicationError
	if errors.As(err, &appErr) {
		return true
	}

	if errors.Is(err, &uquic.HandshakeTimeoutError{}) ||
		errors.Is(err, &uquic.IdleTimeoutError{}) ||
		errors.Is(err, &uquic.VersionNegotiationError{}) ||
		errors.Is(err, &uquic.StatelessResetError{}) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "write" || opErr.Op == "read" {
			return true
		}

		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.ECONNRESET:
				return true
			}
		}
	}

	return false
}

// isSOCKS5 checks if the given proxy URL is a SOCKS5 proxy supporting UDP.
// Only SOCKS5 proxies are compatible with QUIC/HTTP3 due to UDP requirements.
func isSOCKS5(proxyURL string) bool {
	if proxyURL == "" {
		return false
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return false
	}

	return u.Scheme == "socks5" || u.Scheme == "socks5h"
}
