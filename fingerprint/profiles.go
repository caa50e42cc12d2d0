package fingerprint

import (
	"fmt"
	"runtime"
	"strings"

	tls "github.com/sardanioss/utls"
)

// Browser identifies one of the impersonated browsers.
type Browser int

const (
	// Chrome impersonates desktop Google Chrome.
	Chrome Browser = iota + 1
	// Firefox impersonates desktop Mozilla Firefox.
	Firefox
)

func (b Browser) String() string {
	switch b {
	case Chrome:
		return "chrome"
	case Firefox:
		return "firefox"
	default:
		return fmt.Sprintf("browser(%d)", int(b))
	}
}

// ParseBrowser maps a case-insensitive browser name to a Browser.
func ParseBrowser(name string) (Browser, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "chrome":
		return Chrome, nil
	case "firefox":
		return Firefox, nil
	default:
		return 0, fmt.Errorf("fingerprint: unknown browser %q", name)
	}
}

// PlatformInfo contains platform-specific header values
type PlatformInfo struct {
	UserAgentOS        string // e.g., "(Windows NT 10.0; Win64; x64)" or "(X11; Linux x86_64)"
	Platform           string // e.g., "Windows", "Linux", "macOS"
	FirefoxUserAgentOS string // Firefox has slightly different format
}

// GetPlatformInfo returns platform-specific info based on runtime OS
func GetPlatformInfo() PlatformInfo {
	switch runtime.GOOS {
	case "windows":
		return PlatformInfo{
			UserAgentOS:        "(Windows NT 10.0; Win64; x64)",
			Platform:           "Windows",
			FirefoxUserAgentOS: "(Windows NT 10.0; Win64; x64; rv:125.0)",
		}
	case "darwin":
		return PlatformInfo{
			UserAgentOS:        "(Macintosh; Intel Mac OS X 10_15_7)",
			Platform:           "macOS",
			FirefoxUserAgentOS: "(Macintosh; Intel Mac OS X 10.15; rv:125.0)",
		}
	default: // linux and others
		return PlatformInfo{
			UserAgentOS:        "(X11; Linux x86_64)",
			Platform:           "Linux",
			FirefoxUserAgentOS: "(X11; Linux x86_64; rv:125.0)",
		}
	}
}

// HeaderPair is one default request header of a profile.
type HeaderPair struct {
	Name  string
	Value string
	// SecureOnly headers are sent to potentially trustworthy origins only
	// (https, or a loopback host).
	SecureOnly bool
}

// HTTP2Settings contains HTTP/2 connection settings
type HTTP2Settings struct {
	HeaderTableSize       uint32
	EnablePush            bool
	MaxConcurrentStreams  uint32
	InitialWindowSize     uint32
	MaxFrameSize          uint32
	MaxHeaderListSize     uint32
	EnableConnectProtocol bool
	NoRFC7540Priorities   bool
	// Order is the SETTINGS frame payload as the browser writes it.
	Order []Setting
	// Window update and stream settings
	ConnectionWindowUpdate uint32
	StreamWeight           uint16 // Chrome uses 256
	StreamExclusive        bool
}

// TLSFingerprint describes the ClientHello of a profile.
//
// JA3 fixes the cipher suite, extension and group order. GREASE values
// (0x?a?a) are kept and mark where GREASE entries go.
type TLSFingerprint struct {
	JA3                 string
	SignatureAlgorithms []tls.SignatureScheme
	KeyShareGroups      []tls.CurveID
	CertCompression     []tls.CertCompressionAlgo
	RecordSizeLimit     uint16
	// PermuteExtensions shuffles the extension order once per TLS config,
	// the way Chrome does per browser session.
	PermuteExtensions bool
}

// PseudoHeaders is the set of HTTP/2 pseudo-header fields a profile orders.
var PseudoHeaders = [6]string{":method", ":authority", ":scheme", ":path", ":protocol", ":status"}

// Profile is an immutable browser descriptor. Profiles returned by
// ProfileFor are shared; callers must not modify them.
type Profile struct {
	Browser           Browser
	Name              string
	UserAgent         string
	Headers           []HeaderPair
	PseudoHeaderOrder [6]string
	TLS               TLSFingerprint
	// QUICHelloID is the uTLS preset used for the HTTP/3 handshake.
	QUICHelloID tls.ClientHelloID
	// Akamai is the HTTP/2 fingerprint the HTTP2 field was parsed from.
	Akamai string
	HTTP2  HTTP2Settings
}

// HeaderNames returns the lowercase default header names in declared order.
func (p *Profile) HeaderNames() []string {
	names := make([]string, len(p.Headers))
	for i, h := range p.Headers {
		names[i] = strings.ToLower(h.Name)
	}
	return names
}

func chrome() *Profile {
	p := GetPlatformInfo()
	userAgent := "Mozilla/5.0 " + p.UserAgentOS + " AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"
	return newProfile(&Profile{
		Browser:   Chrome,
		Name:      "chrome-143",
		UserAgent: userAgent,
		Headers: []HeaderPair{
			{Name: "sec-ch-ua", Value: `"Google Chrome";v="143", "Chromium";v="143", "Not A(Brand";v="24"`, SecureOnly: true},
			{Name: "sec-ch-ua-mobile", Value: "?0", SecureOnly: true},
			{Name: "sec-ch-ua-platform", Value: `"` + p.Platform + `"`, SecureOnly: true},
			{Name: "upgrade-insecure-requests", Value: "1"},
			{Name: "user-agent", Value: userAgent},
			{Name: "accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
			{Name: "sec-fetch-site", Value: "none", SecureOnly: true},
			{Name: "sec-fetch-mode", Value: "navigate", SecureOnly: true},
			{Name: "sec-fetch-user", Value: "?1", SecureOnly: true},
			{Name: "sec-fetch-dest", Value: "document", SecureOnly: true},
			{Name: "accept-encoding", Value: "gzip, deflate, br, zstd"},
			{Name: "accept-language", Value: "en-US,en;q=0.9"},
		},
		TLS: TLSFingerprint{
			JA3: "771," +
				"2570-4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53," +
				"2570-0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513-65037-2570-21," +
				"2570-4588-29-23-24," +
				"0",
			SignatureAlgorithms: []tls.SignatureScheme{
				tls.ECDSAWithP256AndSHA256,
				tls.PSSWithSHA256,
				tls.PKCS1WithSHA256,
				tls.ECDSAWithP384AndSHA384,
				tls.PSSWithSHA384,
				tls.PKCS1WithSHA384,
				tls.PSSWithSHA512,
				tls.PKCS1WithSHA512,
			},
			KeyShareGroups:    []tls.CurveID{tls.GREASE_PLACEHOLDER, tls.X25519MLKEM768, tls.X25519},
			CertCompression:   []tls.CertCompressionAlgo{tls.CertCompressionBrotli},
			PermuteExtensions: true,
		},
		QUICHelloID: tls.HelloChrome_143_QUIC,
		Akamai:      "1:65536;2:0;4:6291456;6:262144|15663105|256|m,a,s,p",
	})
}

func firefox() *Profile {
	p := GetPlatformInfo()
	userAgent := "Mozilla/5.0 " + p.FirefoxUserAgentOS + " Gecko/20100101 Firefox/125.0"
	return newProfile(&Profile{
		Browser:   Firefox,
		Name:      "firefox-125",
		UserAgent: userAgent,
		Headers: []HeaderPair{
			{Name: "user-agent", Value: userAgent},
			{Name: "accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			{Name: "accept-language", Value: "en-US,en;q=0.5"},
			{Name: "accept-encoding", Value: "gzip, deflate, br, zstd"},
			{Name: "upgrade-insecure-requests", Value: "1"},
			{Name: "sec-fetch-dest", Value: "document", SecureOnly: true},
			{Name: "sec-fetch-mode", Value: "navigate", SecureOnly: true},
			{Name: "sec-fetch-site", Value: "none", SecureOnly: true},
			{Name: "sec-fetch-user", Value: "?1", SecureOnly: true},
			{Name: "priority", Value: "u=0, i"},
		},
		TLS: TLSFingerprint{
			JA3: "771," +
				"4865-4867-4866-49195-49199-52393-52392-49196-49200-49162-49161-49171-49172-156-157-47-53," +
				"0-23-65281-10-11-35-16-5-34-51-43-13-45-28-27-65037," +
				"29-23-24-25-256-257," +
				"0",
			SignatureAlgorithms: []tls.SignatureScheme{
				tls.ECDSAWithP256AndSHA256,
				tls.ECDSAWithP384AndSHA384,
				tls.ECDSAWithP521AndSHA512,
				tls.PSSWithSHA256,
				tls.PSSWithSHA384,
				tls.PSSWithSHA512,
				tls.PKCS1WithSHA256,
				tls.PKCS1WithSHA384,
				tls.PKCS1WithSHA512,
				tls.ECDSAWithSHA1,
				tls.PKCS1WithSHA1,
			},
			KeyShareGroups: []tls.CurveID{tls.X25519, tls.CurveP256},
			CertCompression: []tls.CertCompressionAlgo{
				tls.CertCompressionZlib,
				tls.CertCompressionBrotli,
				tls.CertCompressionZstd,
			},
			RecordSizeLimit: 0x4001,
		},
		QUICHelloID: tls.HelloFirefox_120,
		Akamai:      "1:65536;2:0;4:131072;5:16384|12517377|42|m,p,a,s",
	})
}

// newProfile fills the HTTP/2 settings and pseudo-header order from the
// profile's Akamai fingerprint. Profiles are static, so a bad string panics
// at init.
func newProfile(p *Profile) *Profile {
	settings, order, err := ParseAkamai(p.Akamai)
	if err != nil {
		panic(fmt.Sprintf("fingerprint: profile %s: %v", p.Name, err))
	}
	p.HTTP2 = *settings
	p.PseudoHeaderOrder = completePseudoOrder(order)
	return p
}

// completePseudoOrder appends the pseudo-headers an Akamai string does not
// mention, in their canonical order.
func completePseudoOrder(order []string) [6]string {
	var out [6]string
	n := 0
	seen := make(map[string]bool, len(PseudoHeaders))
	for _, name := range order {
		if seen[name] || n == len(out) {
			continue
		}
		seen[name] = true
		out[n] = name
		n++
	}
	for _, name := range PseudoHeaders {
		if !seen[name] {
			out[n] = name
			n++
		}
	}
	return out
}

var registry = map[Browser]*Profile{
	Chrome:  chrome(),
	Firefox: firefox(),
}

// ProfileFor returns the shared profile of a browser.
func ProfileFor(b Browser) (*Profile, bool) {
	p, ok := registry[b]
	return p, ok
}

// Browsers returns every browser with a registered profile.
func Browsers() []Browser {
	return []Browser{Chrome, Firefox}
}
