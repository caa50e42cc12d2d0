// Package headers composes the ordered request header list of a browser
// profile with caller-supplied headers.
package headers

import (
	"net"
	"sort"
	"strings"

	"github.com/samber/lo"
	http "github.com/sardanioss/http"

	"github.com/sardanioss/cloakfetch/fingerprint"
)

// Header is one composed request header.
type Header struct {
	Name  string
	Value string
}

// Composed is the header list of a single request. It carries its own
// pseudo-header order so nothing is shared between requests.
type Composed struct {
	Headers     []Header
	PseudoOrder []string
}

// Compose merges the profile defaults with custom headers.
//
// Defaults come first, in declared order. A custom header whose name
// matches a default case-insensitively replaces the value in place and
// the default's name is kept. The remaining custom headers follow, sorted
// by name. When several custom names differ only in case, the first one in
// sorted order wins. With a nil profile only the custom headers are sent.
func Compose(profile *fingerprint.Profile, host string, isHTTPS bool, custom map[string]string) Composed {
	names := lo.Keys(custom)
	sort.Strings(names)

	overrides := make(map[string]string, len(names))
	var extra []string
	for _, name := range names {
		key := strings.ToLower(name)
		if _, dup := overrides[key]; dup {
			continue
		}
		overrides[key] = custom[name]
		extra = append(extra, name)
	}

	var c Composed
	consumed := make(map[string]bool, len(overrides))
	if profile != nil {
		secure := IsPotentiallyTrustworthy(host, isHTTPS)
		c.Headers = make([]Header, 0, len(profile.Headers)+len(extra))
		for _, def := range profile.Headers {
			key := strings.ToLower(def.Name)
			value, overridden := overrides[key]
			if overridden {
				consumed[key] = true
			} else if def.SecureOnly && !secure {
				continue
			} else {
				value = def.Value
			}
			c.Headers = append(c.Headers, Header{Name: def.Name, Value: value})
		}
		c.PseudoOrder = append([]string(nil), profile.PseudoHeaderOrder[:]...)
	}
	for _, name := range extra {
		if consumed[strings.ToLower(name)] {
			continue
		}
		c.Headers = append(c.Headers, Header{Name: name, Value: overrides[strings.ToLower(name)]})
	}
	return c
}

// Names returns the lowercase header names in order.
func (c Composed) Names() []string {
	return lo.Map(c.Headers, func(h Header, _ int) string {
		return strings.ToLower(h.Name)
	})
}

// Get returns the value of the named header, matched case-insensitively.
func (c Composed) Get(name string) (string, bool) {
	h, ok := lo.Find(c.Headers, func(h Header) bool {
		return strings.EqualFold(h.Name, name)
	})
	return h.Value, ok
}

// Apply writes the headers and their wire order onto h. Names are stored
// as composed, without canonicalization, so HTTP/1.1 sends them verbatim.
func (c Composed) Apply(h http.Header) {
	for _, hdr := range c.Headers {
		for k := range h {
			if k != hdr.Name && strings.EqualFold(k, hdr.Name) {
				delete(h, k)
			}
		}
		h[hdr.Name] = []string{hdr.Value}
	}
	order := c.Names()
	var rest []string
	for k := range h {
		lk := strings.ToLower(k)
		if k == http.HeaderOrderKey || k == http.PHeaderOrderKey || lo.Contains(order, lk) {
			continue
		}
		rest = append(rest, lk)
	}
	sort.Strings(rest)
	h[http.HeaderOrderKey] = append(order, lo.Uniq(rest)...)
	if len(c.PseudoOrder) > 0 {
		h[http.PHeaderOrderKey] = append([]string(nil), c.PseudoOrder...)
	}
}

// IsPotentiallyTrustworthy reports whether an origin may receive
// secure-context headers: https, or a loopback host.
func IsPotentiallyTrustworthy(host string, isHTTPS bool) bool {
	if isHTTPS {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
