package dns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// DefaultResolver is the DNS server HTTPS records are queried from.
const DefaultResolver = "8.8.8.8:53"

// ErrProberClosed is returned for queries that were pending or issued after
// Close.
var ErrProberClosed = errors.New("dns: prober closed")

// Prober answers whether a host advertises HTTP/3 in its HTTPS (SVCB) DNS
// records. One goroutine owns a single TCP connection to the resolver,
// dialed on first use and reused for every query.
type Prober struct {
	resolver string
	timeout  time.Duration

	client *mdns.Client
	dial   func(ctx context.Context, addr string) (*mdns.Conn, error)

	queries chan query
	mu      sync.Mutex
	conn    *mdns.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type query struct {
	ctx   context.Context
	host  string
	reply chan result
}

type result struct {
	alpn []string
	err  error
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithTimeout bounds a single exchange, dial included.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// NewProber starts a prober that queries resolver ("host:port"). An empty
// resolver means DefaultResolver. Nothing is dialed until the first query.
func NewProber(resolver string, opts ...ProberOption) *Prober {
	if resolver == "" {
		resolver = DefaultResolver
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prober{
		resolver: resolver,
		timeout:  5 * time.Second,
		queries:  make(chan query),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.client = &mdns.Client{Net: "tcp", Timeout: p.timeout}
	p.dial = p.client.DialContext
	go p.run()
	return p
}

// SupportsHTTP3 reports whether host's HTTPS records list "h3" in their
// ALPN parameter. A host without HTTPS records is not an error.
func (p *Prober) SupportsHTTP3(ctx context.Context, host string) (bool, error) {
	alpn, err := p.LookupALPN(ctx, host)
	if err != nil {
		return false, err
	}
	return lo.Contains(alpn, "h3"), nil
}

// LookupALPN returns the ALPN identifiers of every HTTPS record of host.
func (p *Prober) LookupALPN(ctx context.Context, host string) ([]string, error) {
	q := query{ctx: ctx, host: host, reply: make(chan result, 1)}
	select {
	case p.queries <- q:
	case <-p.ctx.Done():
		return nil, ErrProberClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-q.reply:
		return r.alpn, r.err
	case <-p.ctx.Done():
		return nil, ErrProberClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the prober and closes its connection at once. It does not
// wait for an exchange in progress to finish.
func (p *Prober) Close() error {
	p.cancel()
	<-p.done
	return nil
}

func (p *Prober) run() {
	defer close(p.done)
	// Closing the socket is what unblocks an exchange in flight.
	stop := context.AfterFunc(p.ctx, func() { p.setConn(nil) })
	defer stop()
	defer p.setConn(nil)

	for {
		select {
		case <-p.ctx.Done():
			return
		case q := <-p.queries:
			alpn, err := p.serve(q)
			if p.ctx.Err() != nil {
				err = ErrProberClosed
			}
			q.reply <- result{alpn: alpn, err: err}
		}
	}
}

func (p *Prober) serve(q query) ([]string, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		c, err := p.dial(p.ctx, p.resolver)
		if err != nil {
			return nil, fmt.Errorf("dns: dial %s: %w", p.resolver, err)
		}
		// Close may have run while the dial was completing.
		if p.ctx.Err() != nil {
			c.Close()
			return nil, ErrProberClosed
		}
		klog.V(4).InfoS("connected to resolver", "resolver", p.resolver)
		p.setConn(c)
		conn = c
	}

	alpn, err := p.exchange(q, conn)
	switch {
	case errors.Is(err, errNoAnswer):
		return nil, nil
	case err != nil:
		// The stream may be out of sync; start over next time.
		klog.V(4).InfoS("dropping resolver connection", "resolver", p.resolver, "err", err)
		p.setConn(nil)
		return nil, err
	}
	return alpn, nil
}

// setConn replaces the resolver connection, closing the previous one.
func (p *Prober) setConn(c *mdns.Conn) {
	p.mu.Lock()
	prev := p.conn
	p.conn = c
	p.mu.Unlock()
	if prev != nil && prev != c {
		prev.Close()
	}
}

var errNoAnswer = errors.New("dns: no HTTPS answer")

func (p *Prober) exchange(q query, conn *mdns.Conn) ([]string, error) {
	ctx, cancel := context.WithTimeout(q.ctx, p.timeout)
	defer cancel()
	// The deadline alone does not see Close; closing the socket does.
	stop := context.AfterFunc(p.ctx, func() {
		cancel()
		conn.Close()
	})
	defer stop()

	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(q.host), mdns.TypeHTTPS)
	m.RecursionDesired = true

	resp, rtt, err := p.client.ExchangeWithConnContext(ctx, m, conn)
	if err != nil {
		return nil, fmt.Errorf("dns: HTTPS query for %s: %w", q.host, err)
	}
	klog.V(5).InfoS("HTTPS query", "host", q.host, "rcode", mdns.RcodeToString[resp.Rcode], "answers", len(resp.Answer), "rtt", rtt)
	if resp.Rcode != mdns.RcodeSuccess {
		return nil, errNoAnswer
	}
	return alpnFromAnswers(resp.Answer), nil
}

// alpnFromAnswers collects ALPN identifiers from HTTPS and SVCB records.
func alpnFromAnswers(rrs []mdns.RR) []string {
	var alpn []string
	for _, rr := range rrs {
		var values []mdns.SVCBKeyValue
		switch r := rr.(type) {
		case *mdns.HTTPS:
			values = r.Value
		case *mdns.SVCB:
			values = r.Value
		default:
			continue
		}
		for _, kv := range values {
			if a, ok := kv.(*mdns.SVCBAlpn); ok {
				alpn = append(alpn, a.Alpn...)
			}
		}
	}
	return lo.Uniq(alpn)
}
