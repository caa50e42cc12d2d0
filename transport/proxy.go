package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	http "github.com/sardanioss/http"
	"golang.org/x/net/proxy"

	"github.com/sardanioss/cloakfetch/dns"
)

// Proxy is an upstream proxy for the TCP tier. HTTP proxies are used
// through CONNECT tunnels, SOCKS5 proxies through x/net/proxy.
type Proxy struct {
	url *url.URL
}

// ParseProxy parses a proxy URL. Accepted schemes are http, socks5 and
// socks5h; a URL without a scheme is taken as http. An empty string means
// no proxy and yields nil.
func ParseProxy(raw string) (*Proxy, error) {
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid proxy URL: %w", err)
	}
	switch u.Scheme {
	case "http", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("transport: unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("transport: proxy URL %q has no host", raw)
	}
	return &Proxy{url: u}, nil
}

// String returns the proxy URL with the password redacted.
func (p *Proxy) String() string {
	return p.url.Redacted()
}

func (p *Proxy) addr() string {
	port := p.url.Port()
	if port == "" {
		switch p.url.Scheme {
		case "http":
			port = "8080"
		default:
			port = "1080"
		}
	}
	return net.JoinHostPort(p.url.Hostname(), port)
}

// credentials returns the user and password from the proxy URL.
func (p *Proxy) credentials() (string, string, bool) {
	if p.url.User == nil || p.url.User.Username() == "" {
		return "", "", false
	}
	pass, _ := p.url.User.Password()
	return p.url.User.Username(), pass, true
}

// Dial opens a tunnel to host:port through the proxy. With the socks5
// scheme the target name is resolved locally first; socks5h leaves
// resolution to the proxy.
func (p *Proxy) Dial(ctx context.Context, d *net.Dialer, resolver *dns.Cache, host, port string) (net.Conn, error) {
	switch p.url.Scheme {
	case "socks5", "socks5h":
		return p.dialSOCKS5(ctx, d, resolver, host, port)
	default:
		return p.dialConnect(ctx, d, net.JoinHostPort(host, port))
	}
}

// dialConnect establishes an HTTP CONNECT tunnel to target.
func (p *Proxy) dialConnect(ctx context.Context, d *net.Dialer, target string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", p.addr())
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(noDeadline)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user, pass, ok := p.credentials(); ok {
		auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, errors.New("proxy sent data before the tunnel was used")
	}
	return conn, nil
}

func (p *Proxy) dialSOCKS5(ctx context.Context, d *net.Dialer, resolver *dns.Cache, host, port string) (net.Conn, error) {
	var auth *proxy.Auth
	if user, pass, ok := p.credentials(); ok {
		auth = &proxy.Auth{User: user, Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", p.addr(), auth, d)
	if err != nil {
		return nil, err
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}

	target := host
	if p.url.Scheme == "socks5" && resolver != nil {
		ips, err := resolver.ResolveSorted(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		target = ips[0].String()
	}
	conn, err := cd.DialContext(ctx, "tcp", net.JoinHostPort(target, port))
	if err != nil {
		return nil, fmt.Errorf("socks5 connect: %w", err)
	}
	return conn, nil
}
