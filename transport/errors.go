package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by a transport used after Close.
var ErrClosed = errors.New("transport: closed")

// Error describes a failed step of a round trip.
type Error struct {
	Op       string // "dial", "proxy", "tls", "h2", "h1", "quic", "roundtrip"
	Host     string
	Protocol string // ALPN identifier; empty before it is known
	Err      error
}

func (e *Error) Error() string {
	if e.Protocol != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Host, e.Protocol, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap returns err as an *Error unless it already is one.
func wrap(op, host, protocol string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Host: host, Protocol: protocol, Err: err}
}
