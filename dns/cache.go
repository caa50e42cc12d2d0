package dns

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// LookupFunc resolves a hostname to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// entry is a cached address set.
type entry struct {
	ips       []net.IP
	expiresAt time.Time
}

// Cache is a TTL cache of A/AAAA answers used when dialing. Concurrent
// lookups of one host share a single query. A stale entry is served when
// a refresh fails.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
	lookup  LookupFunc
	ttl     time.Duration
	now     func() time.Time
}

// DefaultTTL is how long answers are kept.
const DefaultTTL = 5 * time.Minute

// NewCache returns a cache backed by the system resolver.
func NewCache() *Cache {
	return NewCacheWithLookup(systemLookup)
}

// NewCacheWithLookup returns a cache backed by lookup.
func NewCacheWithLookup(lookup LookupFunc) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		lookup:  lookup,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

func systemLookup(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	return lo.Map(addrs, func(a net.IPAddr, _ int) net.IP { return a.IP }), nil
}

// Resolve returns the addresses of host. IP literals are returned as is.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.ips, nil
	}

	v, err, _ := c.group.Do(host, func() (interface{}, error) {
		ips, err := c.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, &net.DNSError{Err: "no addresses found", Name: host, IsNotFound: true}
		}
		c.mu.Lock()
		c.entries[host] = &entry{ips: ips, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return ips, nil
	})
	if err != nil {
		if ok {
			klog.V(4).InfoS("serving stale addresses", "host", host, "err", err)
			return e.ips, nil
		}
		return nil, err
	}
	return v.([]net.IP), nil
}

// ResolveSorted returns the addresses of host interleaved IPv6 first, as
// RFC 8305 recommends for connection attempts.
func (c *Cache) ResolveSorted(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	v4 := lo.Filter(ips, func(ip net.IP, _ int) bool { return ip.To4() != nil })
	v6 := lo.Filter(ips, func(ip net.IP, _ int) bool { return ip.To4() == nil })

	out := make([]net.IP, 0, len(ips))
	for i := 0; i < len(v6) || i < len(v4); i++ {
		if i < len(v6) {
			out = append(out, v6[i])
		}
		if i < len(v4) {
			out = append(out, v4[i])
		}
	}
	return out, nil
}

// Invalidate drops host, typically after every address failed to connect.
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Len returns the number of cached hosts, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
