// Package quicconn adapts a connected UDP relay to net.PacketConn so a QUIC
// client can run over it. The relay (a SOCKS5 UDP associate tunnel) performs
// its own datagram encapsulation; this adapter passes raw payloads through
// and keeps a best-effort peer address for QUIC path attribution.
package quicconn

import (
	"io"
	"net"
	"sync"
	"time"
)

type relayConn struct {
	conn net.Conn

	mu   sync.RWMutex
	peer net.Addr
}

var _ net.PacketConn = (*relayConn)(nil)

// New wraps a connected relay as a PacketConn. peer is the address datagrams
// are attributed to until WriteTo learns a better one.
func New(conn net.Conn, peer net.Addr) net.PacketConn {
	return &relayConn{conn: conn, peer: peer}
}

func (r *relayConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := r.conn.Read(p)
	return n, r.peerAddr(), err
}

// WriteTo sends one datagram through the relay. A UDP addr updates the
// best-known peer used by later ReadFrom attributions.
func (r *relayConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if ua, ok := addr.(*net.UDPAddr); ok && ua != nil {
		r.mu.Lock()
		r.peer = ua
		r.mu.Unlock()
	}

	n, err := r.conn.Write(p)
	if err != nil {
		return 0, err
	}

	if n != len(p) {
		return 0, io.ErrShortWrite
	}

	return n, nil
}

func (r *relayConn) peerAddr() net.Addr {
	r.mu.RLock()
	peer := r.peer
	r.mu.RUnlock()

	if peer != nil {
		return peer
	}

	return r.conn.RemoteAddr()
}

func (r *relayConn) Close() error                       { return r.conn.Close() }
func (r *relayConn) LocalAddr() net.Addr                { return r.conn.LocalAddr() }
func (r *relayConn) SetDeadline(t time.Time) error      { return r.conn.SetDeadline(t) }
func (r *relayConn) SetReadDeadline(t time.Time) error  { return r.conn.SetReadDeadline(t) }
func (r *relayConn) SetWriteDeadline(t time.Time) error { return r.conn.SetWriteDeadline(t) }

// SetReadBuffer is best-effort: relays that cannot size their buffers are
// left alone.
func (r *relayConn) SetReadBuffer(n int) error {
	if c, ok := r.conn.(interface{ SetReadBuffer(int) error }); ok {
		return c.SetReadBuffer(n)
	}

	return nil
}

// SetWriteBuffer is best-effort, matching SetReadBuffer.
func (r *relayConn) SetWriteBuffer(n int) error {
	if c, ok := r.conn.(interface{ SetWriteBuffer(int) error }); ok {
		return c.SetWriteBuffer(n)
	}

	return nil
}
