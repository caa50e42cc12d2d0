// Package client provides the request dispatcher of cloakfetch.
//
// A Client sends each request through one of two pre-built tiers. The TCP
// tier speaks HTTP/2 or HTTP/1.1 with the browser's ClientHello and
// SETTINGS. The QUIC tier speaks HTTP/3 and exists only when the client was
// built with WithHTTP3 and no proxy. Which tier serves an https request is
// decided per host by an h3.Engine.
//
// Basic usage:
//
//	c, err := client.New(client.WithBrowser(fingerprint.Chrome))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	resp, err := c.Get(ctx, "https://example.com", nil)
//
// When an impersonated send fails and vanilla fallback is enabled, the
// request is reissued once through a plain client. The Response tells
// which one served it.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	http "github.com/sardanioss/http"

	"github.com/sardanioss/cloakfetch/dns"
	"github.com/sardanioss/cloakfetch/fingerprint"
	"github.com/sardanioss/cloakfetch/h3"
	"github.com/sardanioss/cloakfetch/headers"
	"github.com/sardanioss/cloakfetch/metrics"
	"github.com/sardanioss/cloakfetch/tlsconfig"
	"github.com/sardanioss/cloakfetch/transport"
)

// Client dispatches requests. It is safe for concurrent use.
type Client struct {
	cfg     Config
	log     logr.Logger
	metrics *metrics.Metrics

	profile  *fingerprint.Profile
	proxy    *transport.Proxy
	resolver *dns.Cache

	tcp    transport.RoundTripper
	quic   transport.RoundTripper // nil without HTTP/3
	engine *h3.Engine             // nil without HTTP/3
	jar    *CookieJar             // nil when cookies are disabled
}

// RequestOptions are per-request settings. A nil *RequestOptions is the
// same as the zero value.
type RequestOptions struct {
	// Headers are merged over the profile's defaults. A header the
	// profile also sends keeps the profile's position.
	Headers map[string]string
	// Timeout overrides the client's default when positive.
	Timeout time.Duration
	// HTTP3PriorKnowledge sends over HTTP/3 without negotiating. The
	// client must have been built with HTTP/3.
	HTTP3PriorKnowledge bool
}

// New builds a client and both of its tiers.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Client{
		cfg:      *cfg,
		log:      cfg.Logger.WithName("cloakfetch"),
		resolver: cfg.AddressCache,
	}
	if c.resolver == nil {
		c.resolver = dns.NewCache()
	}

	if cfg.Browser != 0 {
		p, ok := fingerprint.ProfileFor(cfg.Browser)
		if !ok {
			return nil, fmt.Errorf("client: no profile for %s", cfg.Browser)
		}
		c.profile = p
	}
	if cfg.Proxy != "" {
		p, err := transport.ParseProxy(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		c.proxy = p
	}
	if cfg.Registerer != nil {
		m, err := metrics.New(cfg.Registerer)
		if err != nil {
			return nil, fmt.Errorf("client: metrics: %w", err)
		}
		c.metrics = m
	}
	if cfg.Cookies {
		c.jar = NewCookieJar()
	}

	tcpTLS, err := tlsconfig.Build(c.profile, false, cfg.IgnoreTLSErrors)
	if err != nil {
		return nil, err
	}
	c.tcp, err = cfg.newTransport(transport.Options{TLS: tcpTLS, Proxy: c.proxy, Resolver: c.resolver})
	if err != nil {
		return nil, fmt.Errorf("client: tcp tier: %w", err)
	}

	// A proxy only carries TCP, so it rules HTTP/3 out.
	if cfg.MaxHTTPVersion >= HTTP3 && c.proxy == nil {
		err := c.buildQUIC(cfg)
		switch {
		case errors.Is(err, transport.ErrQUICParamsInUse):
			c.log.Info("HTTP/3 disabled", "browser", c.profileName(), "err", err)
		case err != nil:
			c.tcp.Close()
			return nil, err
		}
	}

	c.log.V(1).Info("client ready", "browser", c.profileName(), "http3", c.quic != nil,
		"proxy", c.proxy != nil, "fallback", cfg.VanillaFallback)
	return c, nil
}

func (c *Client) buildQUIC(cfg *Config) error {
	quicTLS, err := tlsconfig.Build(c.profile, true, cfg.IgnoreTLSErrors)
	if err != nil {
		return err
	}
	tier, err := cfg.newTransport(transport.Options{TLS: quicTLS, Resolver: c.resolver})
	if err != nil {
		return fmt.Errorf("client: quic tier: %w", err)
	}
	c.quic = tier
	prober := cfg.prober
	if prober == nil {
		prober = dns.NewProber(cfg.DNSResolver)
	}
	c.engine = h3.NewEngine(prober, h3.WithMetrics(c.metrics))
	return nil
}

func (c *Client) profileName() string {
	if c.profile == nil {
		return "none"
	}
	return c.profile.Name
}

// Cookies returns the cookie store, or nil when cookies are disabled.
func (c *Client) Cookies() *CookieJar {
	return c.jar
}

// H3Status returns what the client currently knows about host's HTTP/3
// support. It is always StatusUnknown without HTTP/3.
func (c *Client) H3Status(host string) h3.Status {
	if c.engine == nil {
		return h3.StatusUnknown
	}
	return c.engine.Status(host)
}

// parseURL validates rawURL: it must parse, name a host and use http or
// https, checked in that order.
func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindURLParsing, URL: rawURL, Err: err}
	}
	if u.Hostname() == "" {
		return nil, &Error{Kind: KindURLMissingHostname, URL: rawURL}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &Error{Kind: KindURLProtocol, URL: rawURL, Err: fmt.Errorf("scheme %q", u.Scheme)}
	}
	return u, nil
}

// attempt is one pass through the redirect chain.
type attempt struct {
	method         string
	body           []byte
	headers        map[string]string
	priorKnowledge bool

	// vanilla, when set, serves every hop without a profile.
	vanilla transport.RoundTripper
}

// Dispatch sends a request and returns the final response with its body
// read and decoded. A nil body sends none, except that POST, PUT and PATCH
// always carry a Content-Length. Every failure is an *Error.
func (c *Client) Dispatch(ctx context.Context, method, rawURL string, body []byte, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if opts.HTTP3PriorKnowledge {
		if c.quic == nil {
			return nil, &Error{Kind: KindHTTP3Disabled, URL: rawURL}
		}
		if u.Scheme == "http" {
			return nil, &Error{Kind: KindURLProtocol, URL: rawURL, Err: errors.New("http/3 requires https")}
		}
	}

	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	a := attempt{
		method:         method,
		body:           body,
		headers:        opts.Headers,
		priorKnowledge: opts.HTTP3PriorKnowledge,
	}

	resp, err := c.run(ctx, u, a, opts.Timeout)
	if err == nil {
		return resp, nil
	}
	c.log.V(2).Info("impersonated request failed", "method", method, "url", u.Redacted(), "err", err)

	if noFallback(err) {
		return nil, &Error{Kind: KindTransport, URL: rawURL, Err: err}
	}
	if !c.cfg.VanillaFallback || c.profile == nil {
		return nil, &Error{Kind: KindImpersonation, URL: rawURL, Err: err}
	}

	resp, ferr := c.fallback(ctx, u, a, opts.Timeout)
	c.metrics.ObserveFallback(ferr)
	if ferr != nil {
		c.log.V(2).Info("fallback request failed", "method", method, "url", u.Redacted(), "err", ferr)
		return nil, &Error{Kind: KindTransport, URL: rawURL, Err: errors.Join(err, ferr)}
	}
	c.log.V(1).Info("served by fallback", "method", method, "url", u.Redacted(), "status", resp.StatusCode)
	return resp, nil
}

// fallback reissues a through a plain TCP tier built for this request
// alone and closed afterwards. Nothing of the impersonated tier is reused.
func (c *Client) fallback(ctx context.Context, u *url.URL, a attempt, timeout time.Duration) (*Response, error) {
	plainTLS, err := tlsconfig.Build(nil, false, c.cfg.IgnoreTLSErrors)
	if err != nil {
		return nil, err
	}
	rt, err := c.cfg.newTransport(transport.Options{TLS: plainTLS, Proxy: c.proxy, Resolver: c.resolver})
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	a.vanilla = rt
	a.priorKnowledge = false
	return c.run(ctx, u, a, timeout)
}

// run follows the redirect chain of a under one timeout.
func (c *Client) run(ctx context.Context, u *url.URL, a attempt, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method, body, custom := a.method, a.body, a.headers
	for hops := 0; ; hops++ {
		resp, raw, err := c.send(ctx, u, a, method, body, custom)
		if err != nil {
			return nil, err
		}

		next, ok, err := c.redirect(u, resp, hops)
		if err != nil {
			return nil, err
		}
		if !ok {
			return c.finish(u, a, resp, raw)
		}

		method, body = redirectMethod(resp.StatusCode, method, body)
		if next.Host != u.Host {
			custom = withoutHeader(custom, "Authorization")
		}
		c.log.V(3).Info("following redirect", "status", resp.StatusCode, "from", u.Redacted(), "to", next.Redacted())
		u = next
	}
}

// send performs one hop and returns the response with its raw body.
func (c *Client) send(ctx context.Context, u *url.URL, a attempt, method string, body []byte, custom map[string]string) (*http.Response, []byte, error) {
	rt, overQUIC := c.tier(ctx, u, a)

	profile := c.profile
	if a.vanilla != nil {
		profile = nil
	}
	req, err := c.newRequest(ctx, method, u, body, custom, profile)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	resp, err := rt.RoundTrip(req)
	if err != nil {
		label := "tcp"
		if overQUIC {
			label = transport.ProtocolHTTP3
		}
		c.metrics.ObserveRequest(label, err, time.Since(start))
		return nil, nil, err
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.metrics.ObserveRequest(protocolLabel(resp), err, time.Since(start))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	c.log.V(4).Info("response", "method", method, "url", u.Redacted(), "proto", resp.Proto, "status", resp.StatusCode)

	if c.jar != nil {
		c.jar.SetCookies(u, resp.Cookies())
	}
	if !overQUIC && c.engine != nil && u.Scheme == "https" {
		c.engine.ObserveAltSvc(u.Hostname(), resp.Header.Get("Alt-Svc"))
	}
	return resp, raw, nil
}

// tier picks the round tripper for one hop and reports whether it is the
// QUIC tier.
func (c *Client) tier(ctx context.Context, u *url.URL, a attempt) (transport.RoundTripper, bool) {
	switch {
	case a.vanilla != nil:
		return a.vanilla, false
	case c.quic == nil || u.Scheme != "https":
		return c.tcp, false
	case a.priorKnowledge:
		return c.quic, true
	case c.engine.Negotiate(ctx, u.Hostname()):
		return c.quic, true
	}
	return c.tcp, false
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body []byte, custom map[string]string, profile *fingerprint.Profile) (*http.Request, error) {
	var r io.Reader
	if body != nil || hasBody(method) {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}

	composed := headers.Compose(profile, u.Hostname(), u.Scheme == "https", custom)
	if c.jar != nil {
		if _, ok := composed.Get("Cookie"); !ok {
			if v := c.jar.CookieHeader(u); v != "" {
				req.Header.Set("Cookie", v)
			}
		}
	}
	composed.Apply(req.Header)
	return req, nil
}

// finish decodes the final body and builds the Response.
func (c *Client) finish(u *url.URL, a attempt, resp *http.Response, raw []byte) (*Response, error) {
	h := resp.Header.Clone()
	if ce := h.Get("Content-Encoding"); ce != "" {
		decoded, err := transport.DecodeBody(c.cfg.Decoder, ce, raw)
		if err != nil {
			return nil, err
		}
		raw = decoded
		h.Del("Content-Encoding")
		h.Del("Content-Length")
	}
	return &Response{
		StatusCode:   resp.StatusCode,
		Status:       resp.Status,
		Proto:        protoName(resp),
		Header:       h,
		Body:         raw,
		URL:          u,
		Impersonated: a.vanilla == nil && c.profile != nil,
	}, nil
}

// redirect returns the next URL when resp is a redirect the policy
// follows.
func (c *Client) redirect(u *url.URL, resp *http.Response, hops int) (*url.URL, bool, error) {
	if !isRedirect(resp.StatusCode) || !c.cfg.Redirect.follow {
		return nil, false, nil
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, false, nil
	}
	if hops >= c.cfg.Redirect.max {
		return nil, false, fmt.Errorf("%w (max %d)", ErrTooManyRedirects, c.cfg.Redirect.max)
	}
	next, err := u.Parse(loc)
	if err != nil {
		return nil, false, fmt.Errorf("%w: location %q: %v", errUnsupportedRedirect, loc, err)
	}
	if (next.Scheme != "http" && next.Scheme != "https") || next.Hostname() == "" {
		return nil, false, fmt.Errorf("%w: location %q", errUnsupportedRedirect, loc)
	}
	return next, true, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectMethod follows browser behavior: 303 turns everything but HEAD
// into a bodyless GET, 301 and 302 do so for POST, 307 and 308 keep both.
func redirectMethod(status int, method string, body []byte) (string, []byte) {
	switch status {
	case http.StatusSeeOther:
		if method != http.MethodHead {
			return http.MethodGet, nil
		}
	case http.StatusMovedPermanently, http.StatusFound:
		if method == http.MethodPost {
			return http.MethodGet, nil
		}
	}
	return method, body
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// withoutHeader returns a copy of h without any case variant of name.
func withoutHeader(h map[string]string, name string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if !strings.EqualFold(k, name) {
			out[k] = v
		}
	}
	return out
}

func protocolLabel(resp *http.Response) string {
	switch resp.ProtoMajor {
	case 3:
		return transport.ProtocolHTTP3
	case 2:
		return transport.ProtocolHTTP2
	}
	return "h1"
}

func protoName(resp *http.Response) string {
	if resp.Proto != "" {
		return resp.Proto
	}
	return fmt.Sprintf("HTTP/%d.%d", resp.ProtoMajor, resp.ProtoMinor)
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return c.Dispatch(ctx, http.MethodGet, rawURL, nil, opts)
}

// Head sends a HEAD request.
func (c *Client) Head(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return c.Dispatch(ctx, http.MethodHead, rawURL, nil, opts)
}

// Options sends an OPTIONS request.
func (c *Client) Options(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return c.Dispatch(ctx, http.MethodOptions, rawURL, nil, opts)
}

// Trace sends a TRACE request.
func (c *Client) Trace(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return c.Dispatch(ctx, http.MethodTrace, rawURL, nil, opts)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return c.Dispatch(ctx, http.MethodDelete, rawURL, nil, opts)
}

// Post sends a POST request with body.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, opts *RequestOptions) (*Response, error) {
	return c.Dispatch(ctx, http.MethodPost, rawURL, body, opts)
}

// Put sends a PUT request with body.
func (c *Client) Put(ctx context.Context, rawURL string, body []byte, opts *RequestOptions) (*Response, error) {
	return c.Dispatch(ctx, http.MethodPut, rawURL, body, opts)
}

// Patch sends a PATCH request with body.
func (c *Client) Patch(ctx context.Context, rawURL string, body []byte, opts *RequestOptions) (*Response, error) {
	return c.Dispatch(ctx, http.MethodPatch, rawURL, body, opts)
}

// Close aborts the DNS prober and closes both tiers.
func (c *Client) Close() error {
	var errs []error
	if c.engine != nil {
		errs = append(errs, c.engine.Close())
	}
	if c.quic != nil {
		errs = append(errs, c.quic.Close())
	}
	errs = append(errs, c.tcp.Close())
	return errors.Join(errs...)
}
