// Package socks4 registers SOCKS4 and SOCKS4A dialers with x/net/proxy so
// proxy.FromURL understands socks4:// and socks4a:// URLs. Only the CONNECT
// command is implemented.
package socks4

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

const (
	version = 0x04
	connect = 0x01

	replyGranted       = 0x5a
	replyRejected      = 0x5b
	replyIdentRequired = 0x5c
	replyIdentFailed   = 0x5d
)

var (
	ErrNetwork  = errors.New("socks4: network must be tcp or tcp4")
	ErrRejected = errors.New("socks4: connection rejected by proxy")
	ErrIdent    = errors.New("socks4: proxy requires a valid identd")
)

// Ident is the userid sent in the CONNECT request.
var Ident = "nobody@0.0.0.0"

func init() {
	build := func(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
		return &dialer{proxyAddr: u.Host, domain: u.Scheme == "socks4a", forward: forward}, nil
	}

	proxy.RegisterDialerType("socks4", build)
	proxy.RegisterDialerType("socks4a", build)
}

type dialer struct {
	proxyAddr string
	domain    bool
	forward   proxy.Dialer
}

func (d *dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, ErrNetwork
	}

	host, port, err := splitAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("socks4: bad address %q: %w", addr, err)
	}

	// SOCKS4 carries an IPv4 target; SOCKS4A defers resolution to the proxy
	// and sends the sentinel 0.0.0.1 instead.
	ip := net.IPv4(0, 0, 0, 1)
	if !d.domain {
		if ip, err = resolveIPv4(ctx, host); err != nil {
			return nil, fmt.Errorf("socks4: resolving %q: %w", host, err)
		}
	}

	var conn net.Conn
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, network, d.proxyAddr)
	} else {
		conn, err = d.forward.Dial(network, d.proxyAddr)
	}

	if err != nil {
		return nil, fmt.Errorf("socks4: dialing proxy: %w", err)
	}

	if err = d.handshake(ctx, conn, host, port, ip); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func (d *dialer) handshake(ctx context.Context, conn net.Conn, host string, port int, ip net.IP) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := conn.Write(buildRequest(host, port, ip, d.domain)); err != nil {
		return fmt.Errorf("socks4: writing request: %w", err)
	}

	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("socks4: reading reply: %w", err)
	}

	switch reply[1] {
	case replyGranted:
		return nil
	case replyRejected:
		return ErrRejected
	case replyIdentRequired, replyIdentFailed:
		return ErrIdent
	default:
		return fmt.Errorf("socks4: unexpected reply code 0x%02x", reply[1])
	}
}

// buildRequest assembles a CONNECT request. For SOCKS4A the target hostname
// follows the null-terminated userid.
func buildRequest(host string, port int, ip net.IP, domain bool) []byte {
	req := make([]byte, 0, 9+len(Ident)+len(host))
	req = append(req, version, connect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip.To4()...)
	req = append(req, Ident...)
	req = append(req, 0)

	if domain {
		req = append(req, host...)
		req = append(req, 0)
	}

	return req
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}

	return nil, &net.DNSError{Err: "no IPv4 address", Name: host}
}

func splitAddr(addr string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return "", 0, err
	}

	return host, port, nil
}
