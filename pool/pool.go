// Package pool maps (scheme, authority) origins to bounded, reusable
// HTTP transports with idle eviction. Grounded on the teacher's
// transport.Caronte/CreateCustomTransport, generalized from a single
// per-location transport into a keyed pool.
package pool

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"dito/config"
)

// Origin is the pool key: scheme + authority (+ ALPN, folded into the
// transport's own negotiation since Go's http.Transport multiplexes
// HTTP/2 internally once negotiated).
type Origin struct {
	Scheme    string
	Authority string
}

func (o Origin) String() string { return o.Scheme + "://" + o.Authority }

// Pool holds one *http.Transport per origin, built lazily and evicted
// after PoolIdleTimeout of inactivity.
type Pool struct {
	mu      sync.Mutex
	entries map[Origin]*entry
	limits  config.Limits
}

type entry struct {
	transport  *http.Transport
	lastUsed   time.Time
}

// New builds a Pool governed by the given limits.
func New(limits config.Limits) *Pool {
	p := &Pool{
		entries: make(map[Origin]*entry),
		limits:  limits,
	}
	go p.sweepLoop()
	return p
}

// Transport returns the RoundTripper for origin, creating it on first
// use. The returned transport enforces connect_timeout_ms and
// negotiates HTTP/1.1 only unless enable_http2 is set.
func (p *Pool) Transport(origin Origin) http.RoundTripper {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[origin]; ok {
		e.lastUsed = time.Now()
		return e.transport
	}

	dialer := &net.Dialer{Timeout: p.limits.ConnectTimeout()}
	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConnsPerHost: p.limits.PoolMaxIdle,
		MaxIdleConns:        p.limits.PoolMaxIdle,
		IdleConnTimeout:     p.limits.PoolIdleTimeout(),
		TLSHandshakeTimeout: p.limits.ConnectTimeout(),
	}
	if origin.Scheme == "https" {
		t.TLSClientConfig = &tls.Config{}
	}
	if p.limits.EnableHTTP2 {
		t.ForceAttemptHTTP2 = true
	} else {
		t.ForceAttemptHTTP2 = false
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	p.entries[origin] = &entry{transport: t, lastUsed: time.Now()}
	return t
}

// sweepLoop evicts origins idle longer than PoolIdleTimeout, closing
// their transport's idle connections. Grounded on the teacher's
// rate_limiter.go cleanup-goroutine cadence.
func (p *Pool) sweepLoop() {
	interval := p.limits.PoolIdleTimeout() / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		cutoff := time.Now().Add(-p.limits.PoolIdleTimeout())
		for origin, e := range p.entries {
			if e.lastUsed.Before(cutoff) {
				e.transport.CloseIdleConnections()
				delete(p.entries, origin)
			}
		}
		p.mu.Unlock()
	}
}

// Count reports how many origins currently have a live transport.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
