package client

import (
	"bytes"
	"net/url"

	http "github.com/sardanioss/http"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Response is a completed exchange. The body is read and decoded.
type Response struct {
	StatusCode int
	Status     string
	// Proto is "HTTP/1.1", "HTTP/2.0" or "HTTP/3.0".
	Proto  string
	Header http.Header
	Body   []byte
	// URL is the final URL after redirects.
	URL *url.URL
	// Impersonated is false when the plain fallback client served the
	// response.
	Impersonated bool
}

// Text returns the body decoded to UTF-8. The charset comes from the
// Content-Type header, a byte order mark or a <meta> tag, in that order;
// a body without any of them is taken as UTF-8 when it is valid UTF-8.
func (r *Response) Text() (string, error) {
	enc, name, _ := charset.DetermineEncoding(r.Body, r.Header.Get("Content-Type"))
	if name == "utf-8" {
		return string(bytes.TrimPrefix(r.Body, utf8BOM)), nil
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), r.Body)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Charset returns the name of the encoding Text uses.
func (r *Response) Charset() string {
	_, name, _ := charset.DetermineEncoding(r.Body, r.Header.Get("Content-Type"))
	return name
}

// Cookies parses the Set-Cookie headers of the final response.
func (r *Response) Cookies() []*http.Cookie {
	resp := http.Response{Header: r.Header}
	return resp.Cookies()
}
