package cloak

import (
	"context"
	"crypto/tls"
	"net"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/enetx/http"
	"github.com/gorilla/websocket"

	"github.com/enetx/cloak/header"
	"github.com/enetx/cloak/pkg/connectproxy"
)

// WSConn is an open WebSocket established over a fingerprinted handshake.
// Not safe for concurrent senders; the boundary serializes access.
type WSConn struct {
	conn *websocket.Conn
}

// WSConnect opens a WebSocket to req.URL. The TLS layer carries the resolved
// fingerprint with ALPN forced to http/1.1, which RFC 6455 upgrades require.
func (e *Engine) WSConnect(ctx context.Context, req *Request) (*WSConn, error) {
	req.normalize()

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &ProtocolError{Msg: "invalid url: " + err.Error()}
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, &ProtocolError{Msg: "unsupported websocket url: " + req.URL}
	}

	res, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	timeout := _requestTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	netDialer := &net.Dialer{Timeout: _dialerTimeout, KeepAlive: _TCPKeepAlive}

	base := &http.Transport{
		DialContext:         netDialer.DialContext,
		TLSHandshakeTimeout: _tlsHandshakeTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: req.InsecureSkipVerify},
	}

	if req.Proxy != "" {
		pd, err := connectproxy.NewDialer(req.Proxy)
		if err != nil {
			return nil, &ProxyError{Proxy: req.Proxy, Err: err}
		}

		base.DialContext = pd.DialContext
	}

	wsDialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   base.DialContext,
	}

	if res.ts != nil {
		rt := newRoundTripper(res.ts, base)
		rt.ja3Fallback = res.ja3Fallback
		rt.tls13AutoRetry = req.TLS13AutoRetry
		rt.forceHTTP1 = true
		rt.serverName = req.ServerName
		rt.skipVerify = req.InsecureSkipVerify

		wsDialer.NetDialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return rt.dialTLS(ctx, network, addr)
		}
	} else if req.InsecureSkipVerify || req.ServerName != "" {
		wsDialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: req.InsecureSkipVerify,
			ServerName:         req.ServerName,
		}
	}

	hdr := make(nethttp.Header)

	req.Headers.ForEach(func(key, value string) {
		switch strings.ToLower(key) {
		// The handshake library owns these.
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version", "sec-websocket-extensions":
			return
		}

		hdr.Set(key, value)
	})

	if hdr.Get(header.USER_AGENT) == "" {
		hdr.Set(header.USER_AGENT, res.userAgent)
	}

	for _, c := range req.Cookies {
		hdr.Add(header.COOKIE, c.Name+"="+c.Value)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := wsDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}

		return nil, classifyError(u.Host, err)
	}

	if resp != nil {
		resp.Body.Close()
	}

	return &WSConn{conn: conn}, nil
}

// Boundary frame opcodes, numerically equal to the RFC 6455 opcodes and to
// gorilla's message type constants.
const (
	OpText   = websocket.TextMessage
	OpBinary = websocket.BinaryMessage
	OpClose  = websocket.CloseMessage
	OpPing   = websocket.PingMessage
	OpPong   = websocket.PongMessage
)

// Send writes one frame of the given opcode. Data frames (text, binary) go
// out via the message writer; control frames (close, ping, pong) via
// WriteControl with a short deadline. A close frame with an empty payload is
// sent as a normal closure.
func (c *WSConn) Send(opcode int, data []byte) error {
	switch opcode {
	case OpText, OpBinary:
		if err := c.conn.WriteMessage(opcode, data); err != nil {
			return &ConnectionError{Addr: c.conn.RemoteAddr().String(), Err: err}
		}

		return nil
	case OpClose, OpPing, OpPong:
		if opcode == OpClose && len(data) == 0 {
			data = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		}

		deadline := time.Now().Add(time.Second)
		if err := c.conn.WriteControl(opcode, data, deadline); err != nil {
			return &ConnectionError{Addr: c.conn.RemoteAddr().String(), Err: err}
		}

		return nil
	default:
		return &ProtocolError{Msg: "unsupported websocket opcode " + strconv.Itoa(opcode)}
	}
}

// Receive blocks until the next message arrives and returns its payload and
// whether it was a binary frame. A closed peer surfaces as a ConnectionError.
func (c *WSConn) Receive() ([]byte, bool, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, false, &ConnectionError{Addr: c.conn.RemoteAddr().String(), Err: err}
	}

	return data, messageType == websocket.BinaryMessage, nil
}

// Close sends a close frame and tears the connection down.
func (c *WSConn) Close() error {
	deadline := time.Now().Add(time.Second)

	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)

	return c.conn.Close()
}
