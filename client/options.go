// Package client options - configuration for the dispatcher.
//
// The client uses the functional options pattern. Every option has a
// default, so a client can be created with just:
//
//	c, err := client.New()
//
// Or customized:
//
//	c, err := client.New(
//	    client.WithBrowser(fingerprint.Firefox),
//	    client.WithHTTP3(),
//	    client.WithTimeout(60*time.Second),
//	)
package client

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/sardanioss/cloakfetch/dns"
	"github.com/sardanioss/cloakfetch/fingerprint"
	"github.com/sardanioss/cloakfetch/h3"
	"github.com/sardanioss/cloakfetch/transport"
)

// HTTPVersion is the highest protocol version a client negotiates.
type HTTPVersion int

const (
	// HTTP2 limits the client to HTTP/2 and HTTP/1.1 over TCP.
	HTTP2 HTTPVersion = 2
	// HTTP3 additionally allows HTTP/3 over QUIC.
	HTTP3 HTTPVersion = 3
)

// RedirectPolicy decides whether 3xx responses are followed.
type RedirectPolicy struct {
	follow bool
	max    int
}

// FollowRedirects follows at most n redirects per request.
func FollowRedirects(n int) RedirectPolicy {
	return RedirectPolicy{follow: true, max: n}
}

// ManualRedirects returns 3xx responses to the caller unfollowed.
func ManualRedirects() RedirectPolicy {
	return RedirectPolicy{}
}

// TransportFactory builds a transport tier.
type TransportFactory func(transport.Options) (transport.RoundTripper, error)

// Config holds the construction-time configuration of a Client. It is
// not changed after New returns.
type Config struct {
	// Browser is the impersonated browser. Zero means no impersonation.
	Browser fingerprint.Browser

	// IgnoreTLSErrors disables certificate verification. The ClientHello
	// is unchanged.
	IgnoreTLSErrors bool

	// VanillaFallback reissues a request that failed while impersonating
	// through a plain client. Default: true.
	VanillaFallback bool

	// Proxy is an http://, socks5:// or socks5h:// proxy URL, applied to
	// the TCP tier. Setting one disables HTTP/3.
	Proxy string

	// Timeout bounds a request including redirects. Default: 30 seconds.
	Timeout time.Duration

	// MaxHTTPVersion is HTTP2 (default) or HTTP3.
	MaxHTTPVersion HTTPVersion

	// Redirect is the redirect policy. Default: FollowRedirects(10).
	Redirect RedirectPolicy

	// DNSResolver is the server HTTPS records are queried from.
	// Default: 8.8.8.8:53.
	DNSResolver string

	// Cookies enables the cookie store. Default: true.
	Cookies bool

	// AddressCache resolves hosts for dialing. Clients may share one.
	// Default: a private cache backed by the system resolver.
	AddressCache *dns.Cache

	Logger     logr.Logger
	Registerer prometheus.Registerer
	Decoder    transport.Decoder

	prober       h3.Prober
	newTransport TransportFactory
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		VanillaFallback: true,
		Timeout:         30 * time.Second,
		MaxHTTPVersion:  HTTP2,
		Redirect:        FollowRedirects(10),
		DNSResolver:     dns.DefaultResolver,
		Cookies:         true,
		Logger:          klog.Background(),
		Decoder:         transport.DefaultDecoder{},
		newTransport:    transport.New,
	}
}

// Option modifies a Config.
type Option func(*Config)

// WithBrowser sets the impersonated browser.
func WithBrowser(b fingerprint.Browser) Option {
	return func(c *Config) {
		c.Browser = b
	}
}

// WithIgnoreTLSErrors disables certificate verification.
// WARNING: this makes connections insecure.
func WithIgnoreTLSErrors() Option {
	return func(c *Config) {
		c.IgnoreTLSErrors = true
	}
}

// WithVanillaFallback enables or disables the plain-client retry.
func WithVanillaFallback(enabled bool) Option {
	return func(c *Config) {
		c.VanillaFallback = enabled
	}
}

// WithProxy sets the proxy URL. An empty string means no proxy.
func WithProxy(proxyURL string) Option {
	return func(c *Config) {
		c.Proxy = proxyURL
	}
}

// WithTimeout sets the default request timeout. Zero disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxHTTPVersion sets the highest negotiated protocol version.
func WithMaxHTTPVersion(v HTTPVersion) Option {
	return func(c *Config) {
		c.MaxHTTPVersion = v
	}
}

// WithHTTP3 is WithMaxHTTPVersion(HTTP3).
func WithHTTP3() Option {
	return WithMaxHTTPVersion(HTTP3)
}

// WithRedirect sets the redirect policy.
func WithRedirect(p RedirectPolicy) Option {
	return func(c *Config) {
		c.Redirect = p
	}
}

// WithDNSResolver sets the "host:port" of the resolver used for HTTPS
// record probes.
func WithDNSResolver(addr string) Option {
	return func(c *Config) {
		c.DNSResolver = addr
	}
}

// WithAddressCache sets the A/AAAA cache used when dialing.
func WithAddressCache(cache *dns.Cache) Option {
	return func(c *Config) {
		c.AddressCache = cache
	}
}

// WithCookies enables or disables the cookie store.
func WithCookies(enabled bool) Option {
	return func(c *Config) {
		c.Cookies = enabled
	}
}

// WithLogger sets the logger. Default: klog.
func WithLogger(l logr.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics registers the client's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registerer = reg
	}
}

// WithDecoder replaces the content decoder.
func WithDecoder(d transport.Decoder) Option {
	return func(c *Config) {
		c.Decoder = d
	}
}

// WithH3Prober replaces the DNS prober that decides HTTP/3 support.
func WithH3Prober(p h3.Prober) Option {
	return func(c *Config) {
		c.prober = p
	}
}

// WithTransportFactory replaces how transport tiers are built. The
// factory receives a TLS config without a profile for the plain tier.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Config) {
		c.newTransport = f
	}
}
