package cloak

import "time"

// Default configuration constants for the cloak transport engine.
// These values provide sensible defaults for connection management, timeouts, and client behavior.
const (
	// _maxRedirects is the maximum number of redirects to follow before
	// the exchange fails with TooManyRedirectsError.
	_maxRedirects = 10

	// _requestTimeout is the default wall-clock deadline for a complete
	// exchange when the request does not carry its own timeout. It covers
	// dialing, the handshake, every redirect hop and reading the body.
	_requestTimeout = 15 * time.Second

	// HTTP/1.1 Transport timeouts

	// _dialerTimeout is the default timeout for establishing network connections.
	_dialerTimeout = 10 * time.Second

	// _tlsHandshakeTimeout is the default timeout for completing TLS handshakes.
	_tlsHandshakeTimeout = 10 * time.Second

	// _responseHeaderTimeout is the default timeout for reading response headers.
	_responseHeaderTimeout = 10 * time.Second

	// HTTP/1.1 Connection pooling

	// _TCPKeepAlive is the default TCP keep-alive interval for established connections.
	_TCPKeepAlive = 15 * time.Second

	// _idleConnTimeout is the default timeout for idle connections in the pool.
	_idleConnTimeout = 20 * time.Second

	// _maxIdleConns is the default maximum number of idle connections across all hosts.
	_maxIdleConns = 512

	// _maxConnsPerHost is the default maximum number of connections per individual host.
	_maxConnsPerHost = 128

	// _maxIdleConnsPerHost is the default maximum number of idle connections per host.
	_maxIdleConnsPerHost = 128

	// _poolIdleEntryTTL is how long a pooled per-fingerprint transport may sit
	// unused before CloseIdle reaps it.
	_poolIdleEntryTTL = 90 * time.Second

	// HTTP/2 Transport timeouts

	// _http2ReadIdleTimeout is the timeout for idle reads in HTTP/2 connections.
	_http2ReadIdleTimeout = 10 * time.Second

	// _http2PingTimeout is the timeout for HTTP/2 PING frame responses.
	_http2PingTimeout = 10 * time.Second

	// _http2WriteByteTimeout is the timeout for writing individual bytes in HTTP/2 streams.
	_http2WriteByteTimeout = 10 * time.Second

	// Port defaults

	// defaultHTTPPort is the implicit port for plain HTTP URLs without an explicit port.
	defaultHTTPPort = "80"

	// defaultHTTPSPort is the implicit port for HTTPS (TLS) URLs without an explicit port.
	defaultHTTPSPort = "443"
)

// _defaultJA3 is applied when a request names no fingerprint at all. It is a
// Firefox TLS profile and is suppressed as soon as the request carries a JA4R,
// HTTP/2 or QUIC fingerprint of its own.
const _defaultJA3 = "771,4865-4867-4866-49195-49199-52393-52392-49196-49200-49162-49161-49171-49172-51-57-47-53-10,0-23-65281-10-11-35-16-5-51-43-13-45-28-21,29-23-24-25-256-257,0"

// _defaultUserAgent accompanies _defaultJA3 on requests without their own
// User-Agent header.
const _defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:87.0) Gecko/20100101 Firefox/87.0"
