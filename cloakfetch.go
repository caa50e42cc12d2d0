// Package cloakfetch is an HTTP client whose requests look like those of a
// real browser, down to the TLS ClientHello, the HTTP/2 SETTINGS and the
// order of headers and pseudo-headers.
//
// Basic usage:
//
//	c, err := cloakfetch.New("chrome")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	resp, err := c.Get(ctx, "https://example.com", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(string(resp.Body))
//
// With options:
//
//	c, err := cloakfetch.New("firefox",
//	    client.WithHTTP3(),
//	    client.WithTimeout(60*time.Second),
//	    client.WithProxy("socks5h://127.0.0.1:1080"),
//	)
package cloakfetch

import (
	"github.com/samber/lo"

	"github.com/sardanioss/cloakfetch/client"
	"github.com/sardanioss/cloakfetch/fingerprint"
)

type (
	Client         = client.Client
	Response       = client.Response
	RequestOptions = client.RequestOptions
	Error          = client.Error
	Option         = client.Option
)

// New creates a client impersonating browser ("chrome" or "firefox"). An
// empty name creates a client without impersonation. Options after the
// browser name override it.
func New(browser string, opts ...Option) (*Client, error) {
	if browser != "" {
		b, err := fingerprint.ParseBrowser(browser)
		if err != nil {
			return nil, err
		}
		opts = append([]Option{client.WithBrowser(b)}, opts...)
	}
	return client.New(opts...)
}

// Browsers returns the names New accepts.
func Browsers() []string {
	return lo.Map(fingerprint.Browsers(), func(b fingerprint.Browser, _ int) string { return b.String() })
}
