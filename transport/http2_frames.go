package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"

	tls "github.com/sardanioss/utls"

	"github.com/sardanioss/cloakfetch/fingerprint"
)

// HTTP/2 frame types and flags the rewriter touches.
const (
	frameHeaders      = 0x1
	frameSettings     = 0x4
	frameWindowUpdate = 0x8

	flagPadded   = 0x08
	flagPriority = 0x20

	frameHeaderLen = 9
)

var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// frameRewriter sits between the HTTP/2 client connection and TLS. It
// replaces the client's first SETTINGS and WINDOW_UPDATE frames with the
// profile's and adds the profile's PRIORITY block to HEADERS frames.
// Header and pseudo-header order is left to the request's order keys.
type frameRewriter struct {
	net.Conn
	settings *fingerprint.HTTP2Settings

	mu            sync.Mutex
	buf           bytes.Buffer
	wrotePreface  bool
	wroteSettings bool
	wroteWindow   bool
}

func newFrameRewriter(conn net.Conn, s *fingerprint.HTTP2Settings) *frameRewriter {
	return &frameRewriter{Conn: conn, settings: s}
}

// Write buffers p and forwards every complete frame, rewritten as needed.
func (c *frameRewriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)
	for c.buf.Len() > 0 {
		data := c.buf.Bytes()

		if !c.wrotePreface {
			if len(data) < len(clientPreface) {
				break
			}
			if _, err := c.Conn.Write(data[:len(clientPreface)]); err != nil {
				return 0, err
			}
			c.buf.Next(len(clientPreface))
			c.wrotePreface = true
			continue
		}

		if len(data) < frameHeaderLen {
			break
		}
		length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		size := frameHeaderLen + length
		if len(data) < size {
			break
		}

		out := data[:size]
		switch data[3] {
		case frameSettings:
			// The ACK to the server's SETTINGS is also a SETTINGS frame.
			if !c.wroteSettings && data[4]&0x1 == 0 {
				out = c.settingsFrame()
				c.wroteSettings = true
			}
		case frameWindowUpdate:
			if !c.wroteWindow && c.settings.ConnectionWindowUpdate > 0 && streamID(data) == 0 {
				out = c.windowUpdateFrame()
				c.wroteWindow = true
			}
		case frameHeaders:
			if c.settings.StreamWeight > 0 {
				out = c.withPriority(out)
			}
		}

		if _, err := c.Conn.Write(out); err != nil {
			return 0, err
		}
		c.buf.Next(size)
	}
	return len(p), nil
}

func streamID(frame []byte) uint32 {
	return binary.BigEndian.Uint32(frame[5:9]) & 0x7fffffff
}

// settingsFrame encodes the profile's SETTINGS in the browser's order.
func (c *frameRewriter) settingsFrame() []byte {
	payload := make([]byte, 0, 6*len(c.settings.Order))
	for _, s := range c.settings.Order {
		payload = binary.BigEndian.AppendUint16(payload, s.ID)
		payload = binary.BigEndian.AppendUint32(payload, s.Val)
	}
	return appendFrame(nil, frameSettings, 0, 0, payload)
}

func (c *frameRewriter) windowUpdateFrame() []byte {
	payload := binary.BigEndian.AppendUint32(nil, c.settings.ConnectionWindowUpdate&0x7fffffff)
	return appendFrame(nil, frameWindowUpdate, 0, 0, payload)
}

// withPriority inserts a PRIORITY block (depends on stream 0) in front of
// the header block. Frames that are padded or already carry one are sent
// unchanged.
func (c *frameRewriter) withPriority(frame []byte) []byte {
	flags := frame[4]
	if flags&(flagPadded|flagPriority) != 0 {
		return frame
	}
	var dep uint32
	if c.settings.StreamExclusive {
		dep = 0x80000000
	}
	payload := make([]byte, 0, 5+len(frame)-frameHeaderLen)
	payload = binary.BigEndian.AppendUint32(payload, dep)
	payload = append(payload, byte(c.settings.StreamWeight-1))
	payload = append(payload, frame[frameHeaderLen:]...)
	return appendFrame(nil, frameHeaders, flags|flagPriority, streamID(frame), payload)
}

func appendFrame(dst []byte, typ, flags byte, stream uint32, payload []byte) []byte {
	n := len(payload)
	dst = append(dst, byte(n>>16), byte(n>>8), byte(n), typ, flags)
	dst = binary.BigEndian.AppendUint32(dst, stream&0x7fffffff)
	return append(dst, payload...)
}

// rewrittenTLSConn keeps the TLS connection state visible to the HTTP/2
// client through the rewriter.
type rewrittenTLSConn struct {
	*frameRewriter
	tlsConn *tls.UConn
}

func (w *rewrittenTLSConn) ConnectionState() tls.ConnectionState {
	return w.tlsConn.ConnectionState()
}

// wrapHTTP2Conn returns conn unchanged when there are no HTTP/2 settings
// to impersonate.
func wrapHTTP2Conn(conn *tls.UConn, s *fingerprint.HTTP2Settings) net.Conn {
	if s == nil {
		return conn
	}
	return &rewrittenTLSConn{frameRewriter: newFrameRewriter(conn, s), tlsConn: conn}
}
