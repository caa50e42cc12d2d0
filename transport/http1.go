package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	http "github.com/sardanioss/http"
)

const maxIdleConnsPerHost = 6

// aLongTimeAgo is a deadline that makes pending I/O fail at once.
var aLongTimeAgo = time.Unix(1, 0)

// h1Conn is a keep-alive HTTP/1.1 connection, plain or TLS.
type h1Conn struct {
	conn       net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	createdAt  time.Time
	lastUsedAt time.Time

	mu     sync.Mutex
	closed bool
}

func newH1Conn(conn net.Conn) *h1Conn {
	now := time.Now()
	return &h1Conn{
		conn:       conn,
		br:         bufio.NewReader(conn),
		bw:         bufio.NewWriter(conn),
		createdAt:  now,
		lastUsedAt: now,
	}
}

// roundTrip writes req and reads the whole response. The body is buffered
// so the connection can go back to the pool before the caller reads it.
func (c *h1Conn) roundTrip(req *http.Request) (*http.Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	c.lastUsedAt = time.Now()

	ctx := req.Context()
	if d, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(aLongTimeAgo) })
	defer func() {
		if stop() {
			c.conn.SetDeadline(noDeadline)
		}
	}()

	if err := writeRequest(c.bw, req); err != nil {
		return nil, false, ctxErr(ctx, err)
	}
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		return nil, false, ctxErr(ctx, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, false, ctxErr(ctx, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	reusable := !resp.Close && !req.Close && c.br.Buffered() == 0
	return resp, reusable, nil
}

// ctxErr prefers the context's error over the I/O error it caused.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *h1Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}

func (c *h1Conn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

// writeRequest writes req as HTTP/1.1. Host comes first, then the
// headers in the request's HeaderOrderKey order, then the rest sorted.
// Names are written as given.
func writeRequest(w *bufio.Writer, req *http.Request) error {
	uri := req.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, uri)
	fmt.Fprintf(w, "Host: %s\r\n", host)

	written := make(map[string]bool)
	skip := func(name string) bool {
		switch strings.ToLower(name) {
		case "host", "content-length", "connection", "transfer-encoding":
			return true
		}
		return name == http.HeaderOrderKey || name == http.PHeaderOrderKey
	}
	writeField := func(name string) {
		if written[name] || skip(name) {
			return
		}
		written[name] = true
		for _, v := range req.Header[name] {
			fmt.Fprintf(w, "%s: %s\r\n", name, v)
		}
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, want := range req.Header[http.HeaderOrderKey] {
		for _, k := range keys {
			if strings.EqualFold(k, want) {
				writeField(k)
			}
		}
	}
	for _, k := range keys {
		writeField(k)
	}

	body, length := req.Body, req.ContentLength
	if body == http.NoBody {
		body = nil
	}
	if body != nil && length < 0 {
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		body, length = io.NopCloser(bytes.NewReader(b)), int64(len(b))
	}
	if length > 0 || body != nil || req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch {
		fmt.Fprintf(w, "Content-Length: %d\r\n", max(length, 0))
	}
	if c := req.Header.Get("Connection"); c != "" {
		fmt.Fprintf(w, "Connection: %s\r\n", c)
	} else if req.Close {
		w.WriteString("Connection: close\r\n")
	} else {
		w.WriteString("Connection: keep-alive\r\n")
	}
	w.WriteString("\r\n")

	if body != nil && length > 0 {
		if _, err := io.CopyN(w, body, length); err != nil {
			return err
		}
	}
	return w.Flush()
}

// h1Pool holds idle HTTP/1.1 connections per key, most recent last.
type h1Pool struct {
	mu     sync.Mutex
	idle   map[string][]*h1Conn
	closed bool
}

func newH1Pool() *h1Pool {
	return &h1Pool{idle: make(map[string][]*h1Conn)}
}

func (p *h1Pool) get(key string) *h1Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		conns := p.idle[key]
		if len(conns) == 0 {
			return nil
		}
		c := conns[len(conns)-1]
		p.idle[key] = conns[:len(conns)-1]
		if c.idleFor() <= maxIdleTime {
			return c
		}
		go c.close()
	}
}

func (p *h1Pool) put(key string, c *h1Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go c.close()
		return
	}
	conns := p.idle[key]
	if len(conns) >= maxIdleConnsPerHost {
		go conns[0].close()
		conns = conns[1:]
	}
	p.idle[key] = append(conns, c)
}

// prune closes connections idle for longer than maxIdleTime.
func (p *h1Pool) prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conns := range p.idle {
		var active []*h1Conn
		for _, c := range conns {
			if c.idleFor() > maxIdleTime {
				go c.close()
			} else {
				active = append(active, c)
			}
		}
		if len(active) > 0 {
			p.idle[key] = active
		} else {
			delete(p.idle, key)
		}
	}
}

func (p *h1Pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, conns := range p.idle {
		n += len(conns)
	}
	return n
}

func (p *h1Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, conns := range p.idle {
		for _, c := range conns {
			go c.close()
		}
	}
	p.idle = nil
}
