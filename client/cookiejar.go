package client

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	http "github.com/sardanioss/http"
	"golang.org/x/net/publicsuffix"
)

// CookieJar stores cookies and provides thread-safe access. Cookies are
// grouped by their registrable domain (eTLD+1).
type CookieJar struct {
	mu      sync.RWMutex
	entries map[string]map[string]*cookieEntry // site -> id -> cookie
	now     func() time.Time
	seq     uint64
}

type cookieEntry struct {
	name, value string
	domain      string
	path        string
	hostOnly    bool
	secure      bool
	expires     time.Time // zero for session cookies
	seq         uint64    // creation order
}

// NewCookieJar creates an empty cookie jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{
		entries: make(map[string]map[string]*cookieEntry),
		now:     time.Now,
	}
}

// site returns the key cookies of host are grouped under.
func site(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	if s, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return s
	}
	return host
}

func canonicalHost(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// SetCookies stores cookies received in a response to u. Cookies with a
// Domain attribute that does not cover u's host, or that names a public
// suffix, are dropped.
func (j *CookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	host := canonicalHost(u)
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		e, ok := j.newEntry(u, host, c, now)
		if !ok {
			continue
		}
		key := site(e.domain)
		id := e.name + ";" + e.domain + ";" + e.path
		bucket := j.entries[key]
		if !e.expires.IsZero() && !e.expires.After(now) {
			delete(bucket, id)
			continue
		}
		if bucket == nil {
			bucket = make(map[string]*cookieEntry)
			j.entries[key] = bucket
		}
		if old, ok := bucket[id]; ok {
			e.seq = old.seq
		} else {
			j.seq++
			e.seq = j.seq
		}
		bucket[id] = e
	}
}

func (j *CookieJar) newEntry(u *url.URL, host string, c *http.Cookie, now time.Time) (*cookieEntry, bool) {
	if c == nil || c.Name == "" {
		return nil, false
	}
	e := &cookieEntry{
		name:   c.Name,
		value:  c.Value,
		path:   c.Path,
		secure: c.Secure,
	}
	if e.path == "" || e.path[0] != '/' {
		e.path = defaultPath(u.Path)
	}

	switch {
	case c.MaxAge < 0:
		e.expires = time.Unix(1, 0)
	case c.MaxAge > 0:
		e.expires = now.Add(time.Duration(c.MaxAge) * time.Second)
	case !c.Expires.IsZero():
		e.expires = c.Expires
	}

	domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	if domain == "" {
		e.domain, e.hostOnly = host, true
		return e, true
	}
	if net.ParseIP(host) != nil {
		if domain != host {
			return nil, false
		}
		e.domain, e.hostOnly = host, true
		return e, true
	}
	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain {
		// Only the host itself may set a cookie on a public suffix.
		if host != domain {
			return nil, false
		}
		e.domain, e.hostOnly = host, true
		return e, true
	}
	if !domainMatch(host, domain) {
		return nil, false
	}
	e.domain = domain
	return e, true
}

// defaultPath is the directory of the request path.
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func domainMatch(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == "" {
		reqPath = "/"
	}
	if reqPath == cookiePath {
		return true
	}
	if strings.HasPrefix(reqPath, cookiePath) {
		return cookiePath[len(cookiePath)-1] == '/' || reqPath[len(cookiePath)] == '/'
	}
	return false
}

// Cookies returns the cookies to send to u: longer paths first, then
// older cookies first.
func (j *CookieJar) Cookies(u *url.URL) []*http.Cookie {
	host := canonicalHost(u)
	now := j.now()
	https := u.Scheme == "https"

	j.mu.RLock()
	var matched []*cookieEntry
	for _, e := range j.entries[site(host)] {
		if !e.expires.IsZero() && !e.expires.After(now) {
			continue
		}
		if e.secure && !https {
			continue
		}
		if e.hostOnly && host != e.domain || !e.hostOnly && !domainMatch(host, e.domain) {
			continue
		}
		if !pathMatch(u.EscapedPath(), e.path) {
			continue
		}
		matched = append(matched, e)
	}
	j.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if len(matched[a].path) != len(matched[b].path) {
			return len(matched[a].path) > len(matched[b].path)
		}
		return matched[a].seq < matched[b].seq
	})
	out := make([]*http.Cookie, len(matched))
	for i, e := range matched {
		out[i] = &http.Cookie{Name: e.name, Value: e.value}
	}
	return out
}

// CookieHeader returns the Cookie header value for u.
func (j *CookieJar) CookieHeader(u *url.URL) string {
	cookies := j.Cookies(u)
	parts := make([]string, len(cookies))
	for i, c := range cookies {
		parts[i] = c.Name + "=" + c.Value
	}
	return strings.Join(parts, "; ")
}

// Clear removes all cookies.
func (j *CookieJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = make(map[string]map[string]*cookieEntry)
}

// Count returns the number of stored cookies, expired ones included.
func (j *CookieJar) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, bucket := range j.entries {
		n += len(bucket)
	}
	return n
}
