package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"k8s.io/klog/v2"

	"github.com/sardanioss/cloakfetch/dns"
)

var noDeadline time.Time

const (
	defaultConnectTimeout = 30 * time.Second
	keepAlivePeriod       = 30 * time.Second
)

// dialer opens raw TCP connections, directly or through a proxy.
type dialer struct {
	resolver *dns.Cache
	proxy    *Proxy
	net      *net.Dialer
}

func newDialer(resolver *dns.Cache, p *Proxy, connectTimeout time.Duration) *dialer {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &dialer{
		resolver: resolver,
		proxy:    p,
		net:      &net.Dialer{Timeout: connectTimeout, KeepAlive: keepAlivePeriod},
	}
}

// dial connects to host:port. Direct connections try every address of
// host, IPv6 and IPv4 interleaved, until one answers.
func (d *dialer) dial(ctx context.Context, host, port string) (net.Conn, error) {
	if d.proxy != nil {
		conn, err := d.proxy.Dial(ctx, d.net, d.resolver, host, port)
		if err != nil {
			return nil, &Error{Op: "proxy", Host: host, Err: err}
		}
		return conn, nil
	}

	ips, err := d.resolver.ResolveSorted(ctx, host)
	if err != nil {
		return nil, &Error{Op: "dial", Host: host, Err: err}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.net.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
		if err == nil {
			if tcp, ok := conn.(*net.TCPConn); ok {
				tcp.SetNoDelay(true)
			}
			return conn, nil
		}
		lastErr = err
		klog.V(5).InfoS("address failed", "host", host, "ip", ip, "err", err)
		if ctx.Err() != nil {
			break
		}
	}
	d.resolver.Invalidate(host)
	if lastErr == nil {
		lastErr = errors.New("no addresses")
	}
	return nil, &Error{Op: "dial", Host: host, Err: lastErr}
}
