package transport

import (
	"context"
	"net"
	"sync"
	"time"

	http "github.com/sardanioss/http"
	"github.com/sardanioss/net/http2"
	tls "github.com/sardanioss/utls"
	"k8s.io/klog/v2"

	"github.com/sardanioss/cloakfetch/fingerprint"
	"github.com/sardanioss/cloakfetch/tlsconfig"
)

// TCPTransport sends requests over TCP. For https it offers h2 and
// http/1.1 and uses whichever the server selects; plain http is always
// HTTP/1.1. HTTP/2 connections are shared per host, HTTP/1.1 connections
// are pooled.
type TCPTransport struct {
	tls      *tlsconfig.Config
	dialer   *dialer
	sessions *SessionCache
	h2       *http2.Transport

	mu      sync.RWMutex
	h2Conns map[string]*h2Conn
	// h1Hosts are TLS hosts whose server picked http/1.1.
	h1Hosts map[string]bool
	h1      *h1Pool
	closed  bool

	stopCleanup chan struct{}
}

type h2Conn struct {
	tlsConn    *tls.UConn
	cc         *http2.ClientConn
	createdAt  time.Time
	lastUsedAt time.Time
	mu         sync.Mutex
}

// NewTCPTransport returns a TCP tier. It starts a goroutine that prunes
// idle connections until Close.
func NewTCPTransport(opts Options) *TCPTransport {
	opts = opts.withDefaults()
	t := &TCPTransport{
		tls:         opts.TLS,
		dialer:      newDialer(opts.Resolver, opts.Proxy, opts.ConnectTimeout),
		sessions:    opts.Sessions,
		h2Conns:     make(map[string]*h2Conn),
		h1Hosts:     make(map[string]bool),
		h1:          newH1Pool(),
		stopCleanup: make(chan struct{}),
	}
	t.h2 = newHTTP2Transport(opts.TLS.Profile())
	go t.cleanupLoop()
	return t
}

// newHTTP2Transport configures the HTTP/2 client side to match the
// SETTINGS the frame rewriter advertises where the codec allows it.
func newHTTP2Transport(p *fingerprint.Profile) *http2.Transport {
	t := &http2.Transport{
		AllowHTTP:                  false,
		DisableCompression:         true,
		StrictMaxConcurrentStreams: false,
		ReadIdleTimeout:            maxIdleTime,
		PingTimeout:                15 * time.Second,
	}
	if p == nil {
		return t
	}
	s := p.HTTP2
	t.MaxHeaderListSize = s.MaxHeaderListSize
	t.MaxReadFrameSize = s.MaxFrameSize
	t.MaxDecoderHeaderTableSize = s.HeaderTableSize
	t.MaxEncoderHeaderTableSize = s.HeaderTableSize
	return t
}

// RoundTrip implements RoundTripper.
func (t *TCPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = defaultPort(req.URL.Scheme)
	}
	key := net.JoinHostPort(host, port)

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, &Error{Op: "roundtrip", Host: host, Err: ErrClosed}
	}

	if req.URL.Scheme == "http" {
		return t.roundTripH1(req, "http://"+key, host, port, false)
	}

	if conn := t.usableH2(key); conn != nil {
		resp, err := t.roundTripH2(conn, req)
		if err == nil {
			return resp, nil
		}
		// The pooled connection went stale; one fresh attempt.
		t.removeH2(key, conn)
		if !rewindBody(req) {
			return nil, wrap("h2", host, ProtocolHTTP2, err)
		}
		klog.V(4).InfoS("retrying on a fresh connection", "host", key, "err", err)
	}

	t.mu.RLock()
	h1 := t.h1Hosts[key]
	t.mu.RUnlock()
	if h1 {
		return t.roundTripH1(req, "https://"+key, host, port, true)
	}

	conn, err := t.dialTLS(req.Context(), host, port)
	if err != nil {
		return nil, err
	}
	if conn.ConnectionState().NegotiatedProtocol != ProtocolHTTP2 {
		t.mu.Lock()
		t.h1Hosts[key] = true
		t.mu.Unlock()
		return t.sendH1(newH1Conn(conn), req, "https://"+key, host)
	}

	pc, err := t.addH2(key, conn)
	if err != nil {
		return nil, wrap("h2", host, ProtocolHTTP2, err)
	}
	resp, err := t.roundTripH2(pc, req)
	if err != nil {
		t.removeH2(key, pc)
		return nil, wrap("h2", host, ProtocolHTTP2, err)
	}
	return resp, nil
}

func (t *TCPTransport) roundTripH2(conn *h2Conn, req *http.Request) (*http.Response, error) {
	resp, err := conn.cc.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	conn.lastUsedAt = time.Now()
	conn.mu.Unlock()
	return resp, nil
}

// roundTripH1 sends req over an idle connection for key, or a new one.
// A failure on a reused connection is retried once on a fresh one.
func (t *TCPTransport) roundTripH1(req *http.Request, key, host, port string, useTLS bool) (*http.Response, error) {
	if c := t.h1.get(key); c != nil {
		resp, reusable, err := c.roundTrip(req)
		if err == nil {
			t.release(key, c, reusable)
			return resp, nil
		}
		c.close()
		if req.Context().Err() != nil || !rewindBody(req) {
			return nil, wrap("h1", host, ProtocolHTTP1, err)
		}
	}

	var conn net.Conn
	var err error
	if useTLS {
		conn, err = t.dialTLS(req.Context(), host, port)
	} else {
		conn, err = t.dialer.dial(req.Context(), host, port)
	}
	if err != nil {
		return nil, err
	}
	return t.sendH1(newH1Conn(conn), req, key, host)
}

func (t *TCPTransport) sendH1(c *h1Conn, req *http.Request, key, host string) (*http.Response, error) {
	resp, reusable, err := c.roundTrip(req)
	if err != nil {
		c.close()
		return nil, wrap("h1", host, ProtocolHTTP1, err)
	}
	t.release(key, c, reusable)
	return resp, nil
}

func (t *TCPTransport) release(key string, c *h1Conn, reusable bool) {
	if reusable {
		t.h1.put(key, c)
	} else {
		c.close()
	}
}

// dialTLS connects and completes the impersonated handshake.
func (t *TCPTransport) dialTLS(ctx context.Context, host, port string) (*tls.UConn, error) {
	raw, err := t.dialer.dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	conn, err := t.tls.Client(raw, host, t.sessions)
	if err != nil {
		raw.Close()
		return nil, &Error{Op: "tls", Host: host, Err: err}
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &Error{Op: "tls", Host: host, Err: err}
	}
	state := conn.ConnectionState()
	klog.V(4).InfoS("tls connected", "host", host, "alpn", state.NegotiatedProtocol, "resumed", state.DidResume)
	return conn, nil
}

// usableH2 returns the pooled HTTP/2 connection for key if it can take
// another request.
func (t *TCPTransport) usableH2(key string) *h2Conn {
	t.mu.RLock()
	conn := t.h2Conns[key]
	t.mu.RUnlock()
	if conn == nil || !conn.usable() {
		return nil
	}
	return conn
}

func (c *h2Conn) usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.createdAt) > maxConnAge || time.Since(c.lastUsedAt) > maxIdleTime {
		return false
	}
	return c.cc.CanTakeNewRequest()
}

// addH2 starts an HTTP/2 client on conn and pools it under key. When a
// concurrent dial already pooled a usable connection, that one wins and
// conn is closed.
func (t *TCPTransport) addH2(key string, conn *tls.UConn) (*h2Conn, error) {
	cc, err := t.h2.NewClientConn(wrapHTTP2Conn(conn, t.http2Settings()))
	if err != nil {
		conn.Close()
		return nil, err
	}
	now := time.Now()
	pc := &h2Conn{tlsConn: conn, cc: cc, createdAt: now, lastUsedAt: now}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		go pc.close()
		return nil, ErrClosed
	}
	if existing := t.h2Conns[key]; existing != nil {
		if existing.usable() {
			go pc.close()
			return existing, nil
		}
		go existing.close()
	}
	t.h2Conns[key] = pc
	return pc, nil
}

func (t *TCPTransport) http2Settings() *fingerprint.HTTP2Settings {
	if p := t.tls.Profile(); p != nil {
		return &p.HTTP2
	}
	return nil
}

func (t *TCPTransport) removeH2(key string, conn *h2Conn) {
	t.mu.Lock()
	if t.h2Conns[key] == conn {
		delete(t.h2Conns, key)
	}
	t.mu.Unlock()
	go conn.close()
}

func (c *h2Conn) close() {
	c.cc.Close()
	c.tlsConn.Close()
}

// rewindBody resets the request body for a second attempt and reports
// whether that is possible.
func rewindBody(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	if req.GetBody == nil {
		return false
	}
	body, err := req.GetBody()
	if err != nil {
		return false
	}
	req.Body = body
	return true
}

func (t *TCPTransport) cleanupLoop() {
	ticker := time.NewTicker(cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCleanup:
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

func (t *TCPTransport) cleanup() {
	t.mu.Lock()
	for key, conn := range t.h2Conns {
		if !conn.usable() {
			delete(t.h2Conns, key)
			go conn.close()
		}
	}
	t.mu.Unlock()
	t.h1.prune()
}

// ConnStats reports pooled connection counts.
type ConnStats struct {
	HTTP2 int
	HTTP1 int
}

// Stats returns the number of pooled connections.
func (t *TCPTransport) Stats() ConnStats {
	t.mu.RLock()
	n := len(t.h2Conns)
	t.mu.RUnlock()
	return ConnStats{HTTP2: n, HTTP1: t.h1.len()}
}

// Close implements RoundTripper. Pooled connections are closed; requests
// in flight fail.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopCleanup)
	conns := t.h2Conns
	t.h2Conns = nil
	t.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	t.h1.closeAll()
	return nil
}

var _ RoundTripper = (*TCPTransport)(nil)

