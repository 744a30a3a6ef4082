package cloak

import "fmt"

// Error kind names used at the dispatch boundary. Each typed error below
// reports one of these from its Kind method so payload builders never have
// to type-switch on concrete error types.
const (
	KindFingerprintParse = "FingerprintParseError"
	KindSpecIncoherent   = "SpecIncoherent"
	KindTLS              = "TLSError"
	KindConnection       = "ConnectionError"
	KindProxy            = "ProxyError"
	KindTimeout          = "Timeout"
	KindProtocol         = "ProtocolError"
	KindTooManyRedirects = "TooManyRedirects"
	KindCancelled        = "Cancelled"
)

type (
	// FingerprintParseError indicates that a fingerprint string (JA3, JA4R,
	// HTTP/2 or QUIC) could not be parsed. Field names the malformed portion
	// and Pos its position inside the input when known.
	FingerprintParseError struct {
		Format string // "ja3", "ja4r", "http2", "quic"
		Field  string
		Pos    int
		Msg    string
	}

	// SpecIncoherentError indicates a fingerprint that parsed but describes a
	// handshake that cannot be synthesized, e.g. TLS 1.3 suites under a 1.2
	// version cap, or an ALPN list contradicting a forced protocol.
	SpecIncoherentError struct{ Msg string }

	// TLSError indicates a failed TLS handshake after all configured retries.
	TLSError struct {
		Host string
		Err  error
	}

	// ConnectionError indicates a transport-level failure: dial, DNS, reset,
	// or a connection that broke mid-exchange.
	ConnectionError struct {
		Addr string
		Err  error
	}

	// ProxyError indicates a failure establishing or speaking through the
	// configured proxy, including unsupported proxy schemes for HTTP/3.
	ProxyError struct {
		Proxy string
		Err   error
	}

	// TimeoutError indicates the wall-clock deadline for the whole exchange
	// elapsed, redirects included.
	TimeoutError struct{ Err error }

	// ProtocolError indicates an HTTP-level protocol violation or an internal
	// failure recovered from a dispatch worker.
	ProtocolError struct{ Msg string }

	// TooManyRedirectsError indicates the redirect chain exceeded the cap.
	TooManyRedirectsError struct{ Limit int }

	// CancelledError indicates the caller cancelled the exchange.
	CancelledError struct{ Err error }
)

func (e *FingerprintParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s fingerprint: %s at %q (offset %d)", e.Format, e.Msg, e.Field, e.Pos)
	}

	return fmt.Sprintf("%s fingerprint: %s", e.Format, e.Msg)
}

func (e *SpecIncoherentError) Error() string { return "incoherent transport spec: " + e.Msg }

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy %s: %v", e.Proxy, e.Err)
}

func (e *TimeoutError) Error() string  { return fmt.Sprintf("request deadline exceeded: %v", e.Err) }
func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }
func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("stopped after %d redirects", e.Limit)
}
func (e *CancelledError) Error() string { return fmt.Sprintf("request cancelled: %v", e.Err) }

func (e *TLSError) Unwrap() error        { return e.Err }
func (e *ConnectionError) Unwrap() error { return e.Err }
func (e *ProxyError) Unwrap() error      { return e.Err }
func (e *TimeoutError) Unwrap() error    { return e.Err }
func (e *CancelledError) Unwrap() error  { return e.Err }

func (e *FingerprintParseError) Kind() string { return KindFingerprintParse }
func (e *SpecIncoherentError) Kind() string   { return KindSpecIncoherent }
func (e *TLSError) Kind() string              { return KindTLS }
func (e *ConnectionError) Kind() string       { return KindConnection }
func (e *ProxyError) Kind() string            { return KindProxy }
func (e *TimeoutError) Kind() string          { return KindTimeout }
func (e *ProtocolError) Kind() string         { return KindProtocol }
func (e *TooManyRedirectsError) Kind() string { return KindTooManyRedirects }
func (e *CancelledError) Kind() string        { return KindCancelled }

// kinder is implemented by every typed error in this package.
type kinder interface {
	error
	Kind() string
}
