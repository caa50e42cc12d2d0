// Package h3 decides per host whether a request should go over HTTP/3.
//
// Each host moves through three states. It starts Unknown, and the first
// DNS probe or Alt-Svc observation settles it as Supported or Unsupported.
// Only Alt-Svc evidence can promote an Unsupported host, and nothing ever
// demotes a Supported one. Entries live as long as the Engine.
package h3

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/sardanioss/cloakfetch/metrics"
)

// Status is the cached HTTP/3 capability of a host.
type Status int

const (
	StatusUnknown Status = iota
	StatusUnsupported
	StatusSupported
)

func (s Status) String() string {
	switch s {
	case StatusUnsupported:
		return "unsupported"
	case StatusSupported:
		return "supported"
	default:
		return "unknown"
	}
}

// Prober reports whether a host advertises HTTP/3 in DNS.
// *dns.Prober is the production implementation.
type Prober interface {
	SupportsHTTP3(ctx context.Context, host string) (bool, error)
}

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 5 * time.Second

// Engine caches the HTTP/3 capability of hosts. It is safe for concurrent
// use. Concurrent Negotiate calls for one host share a single probe.
type Engine struct {
	prober       Prober
	probeTimeout time.Duration
	metrics      *metrics.Metrics

	mu    sync.RWMutex
	hosts map[string]Status
	group singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithProbeTimeout bounds each DNS probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.probeTimeout = d }
}

// WithMetrics records probe and Alt-Svc outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine returns a ready engine backed by prober.
func NewEngine(prober Prober, opts ...Option) *Engine {
	e := &Engine{
		prober:       prober,
		probeTimeout: DefaultProbeTimeout,
		hosts:        make(map[string]Status),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Negotiate reports whether requests to host should use HTTP/3. A settled
// host is answered from the cache. Otherwise the host is probed once, the
// result cached, and probe failures count as unsupported.
//
// The probe is detached from ctx so a caller giving up does not poison the
// cache for the others; such a caller gets false and nothing is written on
// its behalf.
func (e *Engine) Negotiate(ctx context.Context, host string) bool {
	host = normalizeHost(host)
	if s := e.Status(host); s != StatusUnknown {
		return s == StatusSupported
	}

	ch := e.group.DoChan(host, func() (interface{}, error) {
		if s := e.Status(host); s != StatusUnknown {
			return s, nil
		}
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.probeTimeout)
		defer cancel()

		supported, err := e.prober.SupportsHTTP3(probeCtx, host)
		e.metrics.ObserveProbe(supported, err)
		if err != nil {
			klog.V(3).InfoS("HTTPS record probe failed, treating host as h3-unsupported", "host", host, "err", err)
			supported = false
		}
		want := StatusUnsupported
		if supported {
			want = StatusSupported
		}
		return e.settle(host, want), nil
	})

	select {
	case r := <-ch:
		return r.Val.(Status) == StatusSupported
	case <-ctx.Done():
		return false
	}
}

// settle writes s unless the host is already settled, and returns the
// host's state afterwards.
func (e *Engine) settle(host string, s Status) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur := e.hosts[host]; cur != StatusUnknown {
		return cur
	}
	e.hosts[host] = s
	klog.V(4).InfoS("h3 status settled by probe", "host", host, "status", s)
	return s
}

// ObserveAltSvc updates host from an Alt-Svc response header value. An
// "h3" alternative promotes the host to Supported from any state. Any other
// value, an empty one included, settles an Unknown host as Unsupported.
func (e *Engine) ObserveAltSvc(host, value string) {
	host = normalizeHost(host)
	h3 := AdvertisesHTTP3(value)
	e.metrics.ObserveAltSvc(h3)

	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.hosts[host]
	switch {
	case h3 && cur != StatusSupported:
		e.hosts[host] = StatusSupported
		klog.V(4).InfoS("h3 status promoted by Alt-Svc", "host", host, "from", cur)
	case !h3 && cur == StatusUnknown:
		e.hosts[host] = StatusUnsupported
	}
}

// Status returns the cached state of host.
func (e *Engine) Status(host string) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hosts[normalizeHost(host)]
}

// Hosts returns the hosts currently cached as s.
func (e *Engine) Hosts(s Status) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return lo.Filter(lo.Keys(e.hosts), func(h string, _ int) bool { return e.hosts[h] == s })
}

// Close releases the prober when it holds resources. Cached state stays
// readable.
func (e *Engine) Close() error {
	if c, ok := e.prober.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
