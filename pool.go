package cloak

import (
	"strings"
	"sync"
	"time"

	"github.com/enetx/http"
)

// ConnectionKey identifies one pool slot. Two requests differing in any
// fingerprint-relevant field never share a transport.
type ConnectionKey struct {
	Scheme     string
	Host       string
	Port       string
	TLSVersion uint16
	TLSHash    string // digest of the JA3/JA4R string
	HTTP2Hash  string // digest of the HTTP/2 fingerprint, empty when none
	QUICHash   string // digest of the QUIC fingerprint, empty when none
	Proxy      string
	ServerName string // SNI override, empty when derived from Host
}

// Address returns the dial target host:port.
func (k ConnectionKey) Address() string { return k.Host + ":" + k.Port }

// String flattens the key for map lookups and logging.
func (k ConnectionKey) String() string {
	var b strings.Builder

	b.WriteString(k.Scheme)
	b.WriteByte('|')
	b.WriteString(k.Address())
	b.WriteByte('|')
	b.WriteString(versionName(k.TLSVersion))
	b.WriteByte('|')
	b.WriteString(k.TLSHash)
	b.WriteByte('|')
	b.WriteString(k.HTTP2Hash)
	b.WriteByte('|')
	b.WriteString(k.QUICHash)
	b.WriteByte('|')
	b.WriteString(keyDigest(k.Proxy))
	b.WriteByte('|')
	b.WriteString(k.ServerName)

	return b.String()
}

func versionName(v uint16) string {
	switch v {
	case versionTLS13:
		return "tls13"
	case versionTLS12:
		return "tls12"
	case versionTLS11:
		return "tls11"
	case versionTLS10:
		return "tls10"
	default:
		return "tls"
	}
}

// pooledTransport is one live transport bound to a ConnectionKey, together
// with its client, cookie jar and lease accounting. Lease bookkeeping is
// mutated only by pool code.
type pooledTransport struct {
	key ConnectionKey
	cli *http.Client
	rt  http.RoundTripper

	mu       sync.Mutex
	leases   int
	lastUsed time.Time
	broken   bool
}

// close shuts the underlying transport down.
func (pt *pooledTransport) close() {
	if closer, ok := pt.rt.(interface{ Close() error }); ok {
		_ = closer.Close()
		return
	}

	if closer, ok := pt.rt.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

// transportPool maps ConnectionKeys to live transports. A second map holds
// one mutex per dial address so concurrent first-dials to the same remote
// serialize instead of racing.
type transportPool struct {
	entries sync.Map // key.String() -> *pooledTransport
	addrMu  sync.Map // host:port    -> *sync.Mutex
}

func newTransportPool() *transportPool { return new(transportPool) }

// addrMutex returns the dial mutex for an address, creating it on first use.
func (p *transportPool) addrMutex(addr string) *sync.Mutex {
	mu, _ := p.addrMu.LoadOrStore(addr, new(sync.Mutex))
	return mu.(*sync.Mutex)
}

// Acquire returns the pooled transport for key, building it under the
// address mutex when absent or previously marked broken. The returned
// transport carries an active lease that must be released.
func (p *transportPool) Acquire(key ConnectionKey, build func() (*pooledTransport, error)) (*pooledTransport, error) {
	mu := p.addrMutex(key.Address())
	mu.Lock()
	defer mu.Unlock()

	id := key.String()

	if v, ok := p.entries.Load(id); ok {
		pt := v.(*pooledTransport)

		pt.mu.Lock()
		if !pt.broken {
			pt.leases++
			pt.lastUsed = time.Now()
			pt.mu.Unlock()

			return pt, nil
		}
		pt.mu.Unlock()

		p.entries.Delete(id)
		pt.close()
	}

	pt, err := build()
	if err != nil {
		return nil, err
	}

	pt.key = key
	pt.leases = 1
	pt.lastUsed = time.Now()
	p.entries.Store(id, pt)

	return pt, nil
}

// Release returns a lease. A broken outcome evicts and closes the transport
// once the last lease is gone; otherwise the entry goes back to idle with a
// fresh last-used stamp.
func (p *transportPool) Release(pt *pooledTransport, broken bool) {
	if pt == nil {
		return
	}

	pt.mu.Lock()
	pt.leases--
	pt.lastUsed = time.Now()

	if broken {
		pt.broken = true
	}

	evict := pt.broken && pt.leases <= 0
	pt.mu.Unlock()

	if evict {
		p.entries.Delete(pt.key.String())
		pt.close()
	}
}

// CloseIdle closes every entry that has no active lease and has been unused
// for at least age. Entries in use are left alone.
func (p *transportPool) CloseIdle(age time.Duration) {
	cutoff := time.Now().Add(-age)

	p.entries.Range(func(id, v any) bool {
		pt := v.(*pooledTransport)

		pt.mu.Lock()
		idle := pt.leases <= 0 && pt.lastUsed.Before(cutoff)
		pt.mu.Unlock()

		if idle {
			p.entries.Delete(id)
			pt.close()
		}

		return true
	})
}

// Close tears the whole pool down, active leases included. Used on engine
// shutdown only.
func (p *transportPool) Close() {
	p.entries.Range(func(id, v any) bool {
		p.entries.Delete(id)
		v.(*pooledTransport).close()
		return true
	})
}
