package transport

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	http "github.com/sardanioss/http"
)

func TestWriteRequest_Order(t *testing.T) {
	req, err := http.NewRequest("POST", "http://example.com/a?b=c", strings.NewReader("body"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header = http.Header{
		"user-agent":         {"UA"},
		"accept":             {"*/*"},
		"X-Extra":            {"1"},
		"cookie":             {"a=b"},
		http.HeaderOrderKey:  {"user-agent", "cookie", "accept"},
		http.PHeaderOrderKey: {":method"},
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeRequest(w, req); err != nil {
		t.Fatalf("writeRequest: %v", err)
	}

	want := "POST /a?b=c HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"user-agent: UA\r\n" +
		"cookie: a=b\r\n" +
		"accept: */*\r\n" +
		"X-Extra: 1\r\n" +
		"Content-Length: 4\r\n" +
		"Connection: keep-alive\r\n" +
		"\r\n" +
		"body"
	if got := buf.String(); got != want {
		t.Errorf("unexpected request:\n%q\nwant:\n%q", got, want)
	}
}

func TestWriteRequest_EmptyPost(t *testing.T) {
	req, _ := http.NewRequest("POST", "http://example.com", nil)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeRequest(w, req); err != nil {
		t.Fatalf("writeRequest: %v", err)
	}
	got := buf.String()
	if !strings.HasPrefix(got, "POST / HTTP/1.1\r\n") {
		t.Errorf("unexpected request line in %q", got)
	}
	if !strings.Contains(got, "Content-Length: 0\r\n") {
		t.Errorf("expected Content-Length: 0 in %q", got)
	}
}

func TestWriteRequest_GetNoLength(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	req.Close = true
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeRequest(w, req)
	got := buf.String()
	if strings.Contains(got, "Content-Length") {
		t.Errorf("GET without body carries Content-Length: %q", got)
	}
	if !strings.Contains(got, "Connection: close\r\n") {
		t.Errorf("expected Connection: close in %q", got)
	}
}
