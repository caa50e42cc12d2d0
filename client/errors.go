package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed dispatch.
type ErrorKind int

const (
	// KindURLParsing means the URL could not be parsed.
	KindURLParsing ErrorKind = iota + 1
	// KindURLMissingHostname means the URL has no host.
	KindURLMissingHostname
	// KindURLProtocol means the scheme is not http or https, or HTTP/3
	// was demanded for an http URL.
	KindURLProtocol
	// KindHTTP3Disabled means HTTP/3 was demanded from a client built
	// without it.
	KindHTTP3Disabled
	// KindImpersonation means the impersonated send failed and no
	// fallback was attempted.
	KindImpersonation
	// KindTransport means the send failed, including the fallback.
	KindTransport
)

// Sentinels for errors.Is, one per kind.
var (
	ErrURLParsing          = errors.New("url parsing error")
	ErrURLMissingHostname  = errors.New("url is missing a hostname")
	ErrURLProtocol         = errors.New("unsupported url protocol")
	ErrHTTP3Disabled       = errors.New("http/3 is disabled")
	ErrImpersonation       = errors.New("impersonated request failed")
	ErrTransport           = errors.New("request failed")
	ErrTooManyRedirects    = errors.New("too many redirects")
	errUnsupportedRedirect = errors.New("unsupported redirect")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindURLParsing:
		return ErrURLParsing
	case KindURLMissingHostname:
		return ErrURLMissingHostname
	case KindURLProtocol:
		return ErrURLProtocol
	case KindHTTP3Disabled:
		return ErrHTTP3Disabled
	case KindImpersonation:
		return ErrImpersonation
	case KindTransport:
		return ErrTransport
	}
	return nil
}

func (k ErrorKind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by every dispatch failure.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cloakfetch: %s: %s", e.Kind, e.URL)
	}
	return fmt.Sprintf("cloakfetch: %s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// noFallback reports errors that a plain client would repeat.
func noFallback(err error) bool {
	return errors.Is(err, ErrTooManyRedirects) || errors.Is(err, errUnsupportedRedirect)
}
