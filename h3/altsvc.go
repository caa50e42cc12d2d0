package h3

import (
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// AlternativeProtocols returns the protocol IDs of an Alt-Svc header value
// (RFC 7838), in order. "clear" yields none. Quoted authorities may contain
// commas and semicolons, so the value is scanned rather than split.
func AlternativeProtocols(value string) []string {
	var protos []string
	for _, alt := range splitUnquoted(value, ',') {
		param := splitUnquoted(alt, ';')[0]
		id, _, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		id = strings.TrimSpace(id)
		if unescaped, err := url.PathUnescape(id); err == nil {
			id = unescaped
		}
		if id != "" {
			protos = append(protos, id)
		}
	}
	if len(protos) == 0 {
		return nil
	}
	return lo.Uniq(protos)
}

// AdvertisesHTTP3 reports whether an Alt-Svc value offers final HTTP/3 ("h3").
// Draft versions such as "h3-29" do not count.
func AdvertisesHTTP3(value string) bool {
	return lo.Contains(AlternativeProtocols(value), "h3")
}

func splitUnquoted(s string, sep byte) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case c == sep && !quoted:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
