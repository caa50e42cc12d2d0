// Package transport sends requests over impersonated TLS connections.
//
// There are two tiers. TCPTransport speaks HTTP/2 or HTTP/1.1, whichever
// the server picks through ALPN, and HTTP/1.1 for plain http URLs.
// QUICTransport speaks HTTP/3. Both pool connections per host and take
// their ClientHello from a tlsconfig.Config.
package transport

import (
	"time"

	http "github.com/sardanioss/http"

	"github.com/sardanioss/cloakfetch/dns"
	"github.com/sardanioss/cloakfetch/tlsconfig"
)

// ALPN protocol identifiers, also used as the protocol of a response.
const (
	ProtocolHTTP1 = "http/1.1"
	ProtocolHTTP2 = "h2"
	ProtocolHTTP3 = "h3"
)

// RoundTripper sends a single request. Implementations are safe for
// concurrent use.
type RoundTripper interface {
	RoundTrip(req *http.Request) (*http.Response, error)
	Close() error
}

// Options configures a tier.
type Options struct {
	// TLS supplies the ClientHello. It must be non-nil.
	TLS *tlsconfig.Config
	// Proxy is applied to the TCP tier only. Nil means direct.
	Proxy *Proxy
	// Resolver resolves hosts for dialing. Nil means a private cache.
	Resolver *dns.Cache
	// ConnectTimeout bounds the TCP connect. Zero means 30s.
	ConnectTimeout time.Duration
	// Sessions enables TLS resumption. Nil means a private cache.
	Sessions *SessionCache
}

func (o Options) withDefaults() Options {
	if o.Resolver == nil {
		o.Resolver = dns.NewCache()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.Sessions == nil {
		o.Sessions = NewSessionCache(0)
	}
	return o
}

// New returns the tier matching the TLS config: QUIC when it was built
// for HTTP/3, TCP otherwise.
func New(opts Options) (RoundTripper, error) {
	if opts.TLS.HTTP3() {
		t, err := NewQUICTransport(opts)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return NewTCPTransport(opts), nil
}

// Idle connections are dropped after maxIdleTime; no connection is reused
// after maxConnAge.
const (
	maxIdleTime = 90 * time.Second
	maxConnAge  = 5 * time.Minute
	cleanupTick = 30 * time.Second
)

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}
