package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	http "github.com/sardanioss/http"

	"github.com/sardanioss/cloakfetch/fingerprint"
	"github.com/sardanioss/cloakfetch/h3"
	"github.com/sardanioss/cloakfetch/transport"
)

type handlerFunc func(req *http.Request) (*http.Response, error)

// fakeTransport records requests and answers them with a handler.
type fakeTransport struct {
	kind    string
	handler handlerFunc
	closed  atomic.Bool

	mu   sync.Mutex
	reqs []*http.Request
	body [][]byte
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var b []byte
	if req.Body != nil {
		b, _ = io.ReadAll(req.Body)
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.body = append(f.body, b)
	f.mu.Unlock()
	if f.handler == nil {
		return respond(req, 200, 2, nil, "ok"), nil
	}
	return f.handler(req)
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTransport) requests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.reqs...)
}

// fakeTiers builds fake transports in place of real ones. New always
// builds the TCP tier first; a later tier without a profile is a fallback.
type fakeTiers struct {
	tcp, quic, vanilla handlerFunc
	// quicErr fails every quic tier build.
	quicErr error

	mu    sync.Mutex
	built map[string][]*fakeTransport
}

func (f *fakeTiers) factory(opts transport.Options) (transport.RoundTripper, error) {
	ft := &fakeTransport{}
	f.mu.Lock()
	first := len(f.built["tcp"]) == 0
	f.mu.Unlock()
	switch {
	case first:
		ft.kind, ft.handler = "tcp", f.tcp
	case opts.TLS.HTTP3():
		if f.quicErr != nil {
			return nil, f.quicErr
		}
		ft.kind, ft.handler = "quic", f.quic
	case opts.TLS.Profile() == nil:
		ft.kind, ft.handler = "vanilla", f.vanilla
	default:
		ft.kind, ft.handler = "tcp", f.tcp
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.built == nil {
		f.built = make(map[string][]*fakeTransport)
	}
	f.built[ft.kind] = append(f.built[ft.kind], ft)
	return ft, nil
}

func (f *fakeTiers) get(kind string) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[kind]
}

func (f *fakeTiers) count(kind string) int {
	n := 0
	for _, ft := range f.get(kind) {
		n += len(ft.requests())
	}
	return n
}

type fakeProber struct {
	supported map[string]bool
	calls     atomic.Int32
}

func (p *fakeProber) SupportsHTTP3(ctx context.Context, host string) (bool, error) {
	p.calls.Add(1)
	return p.supported[host], nil
}

func respond(req *http.Request, status, major int, h http.Header, body string) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	proto := fmt.Sprintf("HTTP/%d.0", major)
	if major == 1 {
		proto = "HTTP/1.1"
	}
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      proto,
		ProtoMajor: major,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

// headerValue looks a raw header key up case-insensitively.
func headerValue(h http.Header, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func newTestClient(t *testing.T, tiers *fakeTiers, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTransportFactory(tiers.factory)}, opts...)
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDispatch_URLValidation(t *testing.T) {
	tiers := &fakeTiers{}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome))

	tests := []struct {
		url  string
		kind ErrorKind
		want error
	}{
		{"http://[::1", KindURLParsing, ErrURLParsing},
		{"https://", KindURLMissingHostname, ErrURLMissingHostname},
		{"/relative/path", KindURLMissingHostname, ErrURLMissingHostname},
		{"ftp://example.com/file", KindURLProtocol, ErrURLProtocol},
		{"ws://example.com", KindURLProtocol, ErrURLProtocol},
	}
	for _, tt := range tests {
		_, err := c.Get(context.Background(), tt.url, nil)
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("%s: expected *Error, got %v", tt.url, err)
		}
		if e.Kind != tt.kind {
			t.Errorf("%s: expected kind %s, got %s", tt.url, tt.kind, e.Kind)
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: errors.Is(%v) is false", tt.url, tt.want)
		}
	}
	if n := tiers.count("tcp"); n != 0 {
		t.Errorf("expected no request sent, got %d", n)
	}
}

func TestDispatch_PriorKnowledge(t *testing.T) {
	tiers := &fakeTiers{}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome))
	_, err := c.Get(context.Background(), "https://example.com", &RequestOptions{HTTP3PriorKnowledge: true})
	if !errors.Is(err, ErrHTTP3Disabled) {
		t.Errorf("expected ErrHTTP3Disabled, got %v", err)
	}

	prober := &fakeProber{}
	h3c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome), WithHTTP3(), WithH3Prober(prober))
	_, err = h3c.Get(context.Background(), "http://example.com", &RequestOptions{HTTP3PriorKnowledge: true})
	if !errors.Is(err, ErrURLProtocol) {
		t.Errorf("expected ErrURLProtocol for http with prior knowledge, got %v", err)
	}

	resp, err := h3c.Get(context.Background(), "https://example.com", &RequestOptions{HTTP3PriorKnowledge: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !resp.Impersonated {
		t.Error("expected an impersonated response")
	}
	if tiers.count("quic") != 1 {
		t.Errorf("expected the request on the quic tier, got %d", tiers.count("quic"))
	}
	if n := prober.calls.Load(); n != 0 {
		t.Errorf("prior knowledge should not probe, got %d probes", n)
	}
}

func TestNew_QUICParamsConflictDisablesHTTP3(t *testing.T) {
	tiers := &fakeTiers{quicErr: &transport.Error{Op: "quic", Protocol: transport.ProtocolHTTP3, Err: transport.ErrQUICParamsInUse}}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Firefox), WithHTTP3(), WithH3Prober(&fakeProber{}))
	_, err := c.Get(context.Background(), "https://example.com", &RequestOptions{HTTP3PriorKnowledge: true})
	if !errors.Is(err, ErrHTTP3Disabled) {
		t.Errorf("expected ErrHTTP3Disabled, got %v", err)
	}
	if _, err := c.Get(context.Background(), "https://example.com", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tiers.count("tcp") != 1 {
		t.Errorf("expected the request on the tcp tier, got %d", tiers.count("tcp"))
	}

	tiers = &fakeTiers{quicErr: errors.New("udp: no sockets")}
	if _, err := New(WithTransportFactory(tiers.factory), WithHTTP3(), WithH3Prober(&fakeProber{})); err == nil {
		t.Error("expected other quic tier failures to fail New")
	}
}

func TestDispatch_ProxyDisablesHTTP3(t *testing.T) {
	tiers := &fakeTiers{}
	c := newTestClient(t, tiers, WithHTTP3(), WithProxy("http://127.0.0.1:8080"), WithH3Prober(&fakeProber{}))
	if len(tiers.get("quic")) != 0 {
		t.Error("quic tier built despite a proxy")
	}
	_, err := c.Get(context.Background(), "https://example.com", &RequestOptions{HTTP3PriorKnowledge: true})
	if !errors.Is(err, ErrHTTP3Disabled) {
		t.Errorf("expected ErrHTTP3Disabled, got %v", err)
	}
}

func TestDispatch_TierSelection(t *testing.T) {
	tiers := &fakeTiers{
		quic: func(req *http.Request) (*http.Response, error) { return respond(req, 200, 3, nil, "h3"), nil },
	}
	prober := &fakeProber{supported: map[string]bool{"fast.test": true}}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome), WithHTTP3(), WithH3Prober(prober))

	tests := []struct {
		url   string
		proto string
	}{
		{"https://fast.test/", "HTTP/3.0"},
		{"https://fast.test/again", "HTTP/3.0"},
		{"https://slow.test/", "HTTP/2.0"},
		{"http://fast.test/", "HTTP/2.0"},
	}
	for _, tt := range tests {
		resp, err := c.Get(context.Background(), tt.url, nil)
		if err != nil {
			t.Fatalf("%s: %v", tt.url, err)
		}
		if resp.Proto != tt.proto {
			t.Errorf("%s: expected %s, got %s", tt.url, tt.proto, resp.Proto)
		}
	}
	if n := prober.calls.Load(); n != 2 {
		t.Errorf("expected one probe per https host, got %d", n)
	}
	if s := c.H3Status("slow.test"); s != h3.StatusUnsupported {
		t.Errorf("slow.test: expected unsupported, got %s", s)
	}
}

func TestDispatch_AltSvcPromotes(t *testing.T) {
	tiers := &fakeTiers{
		tcp: func(req *http.Request) (*http.Response, error) {
			return respond(req, 200, 2, http.Header{"Alt-Svc": {`h3=":443"; ma=86400`}}, ""), nil
		},
		quic: func(req *http.Request) (*http.Response, error) { return respond(req, 200, 3, nil, ""), nil },
	}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Firefox), WithHTTP3(), WithH3Prober(&fakeProber{}))

	first, err := c.Get(context.Background(), "https://example.com", nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Proto != "HTTP/2.0" {
		t.Fatalf("expected the first request over tcp, got %s", first.Proto)
	}
	if s := c.H3Status("example.com"); s != h3.StatusSupported {
		t.Fatalf("expected promotion to supported, got %s", s)
	}
	second, err := c.Get(context.Background(), "https://example.com", nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Proto != "HTTP/3.0" {
		t.Errorf("expected the second request over h3, got %s", second.Proto)
	}
}

func TestDispatch_PlainHTTPDoesNotObserveAltSvc(t *testing.T) {
	tiers := &fakeTiers{}
	c := newTestClient(t, tiers, WithHTTP3(), WithH3Prober(&fakeProber{}))
	if _, err := c.Get(context.Background(), "http://example.com", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s := c.H3Status("example.com"); s != h3.StatusUnknown {
		t.Errorf("expected unknown after a plain http request, got %s", s)
	}
}

func TestDispatch_ComposesHeaders(t *testing.T) {
	tiers := &fakeTiers{}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome))
	p, _ := fingerprint.ProfileFor(fingerprint.Chrome)

	_, err := c.Get(context.Background(), "https://example.com/page", &RequestOptions{
		Headers: map[string]string{"Accept": "application/json", "X-Trace": "abc"},
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	req := tiers.get("tcp")[0].requests()[0]

	if got := headerValue(req.Header, "accept"); got != "application/json" {
		t.Errorf("accept: expected the custom value, got %q", got)
	}
	if got := headerValue(req.Header, "user-agent"); got != p.UserAgent {
		t.Errorf("user-agent: got %q", got)
	}
	order := req.Header[http.HeaderOrderKey]
	names := p.HeaderNames()
	if len(order) != len(names)+1 {
		t.Fatalf("expected %d ordered headers, got %v", len(names)+1, order)
	}
	for i, name := range names {
		if order[i] != strings.ToLower(name) {
			t.Errorf("order %d: expected %s, got %s", i, name, order[i])
		}
	}
	if order[len(order)-1] != "x-trace" {
		t.Errorf("expected the custom header last, got %v", order)
	}
	if len(req.Header[http.PHeaderOrderKey]) != len(fingerprint.PseudoHeaders) {
		t.Errorf("pseudo header order not set: %v", req.Header[http.PHeaderOrderKey])
	}
}

func TestDispatch_Fallback(t *testing.T) {
	sendErr := errors.New("handshake rejected")
	tests := []struct {
		name     string
		opts     []Option
		vanilla  handlerFunc
		kind     ErrorKind
		fallback bool
	}{
		{
			name:     "fallback succeeds",
			opts:     []Option{WithBrowser(fingerprint.Firefox)},
			fallback: true,
		},
		{
			name:     "fallback fails",
			opts:     []Option{WithBrowser(fingerprint.Firefox)},
			vanilla:  func(*http.Request) (*http.Response, error) { return nil, errors.New("still down") },
			kind:     KindTransport,
			fallback: true,
		},
		{
			name: "fallback disabled",
			opts: []Option{WithBrowser(fingerprint.Chrome), WithVanillaFallback(false)},
			kind: KindImpersonation,
		},
		{
			name: "no profile",
			kind: KindImpersonation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tiers := &fakeTiers{
				tcp:     func(*http.Request) (*http.Response, error) { return nil, sendErr },
				vanilla: tt.vanilla,
			}
			c := newTestClient(t, tiers, tt.opts...)

			resp, err := c.Post(context.Background(), "https://example.com/submit", []byte("payload"),
				&RequestOptions{Headers: map[string]string{"X-Custom": "1"}})

			built := tiers.get("vanilla")
			if tt.fallback != (len(built) == 1) {
				t.Fatalf("expected fallback=%v, built %d plain tiers", tt.fallback, len(built))
			}
			if tt.kind != 0 {
				var e *Error
				if !errors.As(err, &e) || e.Kind != tt.kind {
					t.Fatalf("expected kind %s, got %v", tt.kind, err)
				}
				if !errors.Is(err, sendErr) {
					t.Errorf("expected the impersonated cause to be wrapped, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Post: %v", err)
			}
			if resp.Impersonated {
				t.Error("expected a non-impersonated response")
			}
			fb := built[0]
			if !fb.closed.Load() {
				t.Error("fallback tier was not closed")
			}
			req := fb.requests()[0]
			if req.Method != http.MethodPost || string(fb.body[0]) != "payload" {
				t.Errorf("fallback sent %s %q", req.Method, fb.body[0])
			}
			if headerValue(req.Header, "user-agent") != "" {
				t.Error("fallback sent profile headers")
			}
			if headerValue(req.Header, "x-custom") != "1" {
				t.Error("fallback dropped custom headers")
			}
		})
	}
}

func TestDispatch_FallbackBuildsFreshTier(t *testing.T) {
	tiers := &fakeTiers{tcp: func(*http.Request) (*http.Response, error) { return nil, errors.New("reset") }}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome))
	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), "https://example.com", nil); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}
	if n := len(tiers.get("vanilla")); n != 3 {
		t.Errorf("expected one plain tier per failure, got %d", n)
	}
}

func TestDispatch_Redirects(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		status     int
		location   string
		wantMethod string
		wantBody   string
		wantAuth   bool
	}{
		{"302 turns POST into GET", http.MethodPost, 302, "/next", http.MethodGet, "", true},
		{"301 turns POST into GET", http.MethodPost, 301, "/next", http.MethodGet, "", true},
		{"303 turns PUT into GET", http.MethodPut, 303, "/next", http.MethodGet, "", true},
		{"307 keeps POST", http.MethodPost, 307, "/next", http.MethodPost, "data", true},
		{"308 keeps PUT", http.MethodPut, 308, "/next", http.MethodPut, "data", true},
		{"cross host drops authorization", http.MethodPost, 307, "https://other.test/next", http.MethodPost, "data", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tiers := &fakeTiers{tcp: func(req *http.Request) (*http.Response, error) {
				if req.URL.Path == "/start" {
					return respond(req, tt.status, 2, http.Header{"Location": {tt.location}}, ""), nil
				}
				return respond(req, 200, 2, nil, "done"), nil
			}}
			c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome))

			resp, err := c.Dispatch(context.Background(), tt.method, "https://example.com/start", []byte("data"),
				&RequestOptions{Headers: map[string]string{"Authorization": "Bearer x"}})
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if resp.URL.Path != "/next" {
				t.Errorf("expected final URL /next, got %s", resp.URL)
			}
			ft := tiers.get("tcp")[0]
			reqs := ft.requests()
			if len(reqs) != 2 {
				t.Fatalf("expected 2 requests, got %d", len(reqs))
			}
			if reqs[1].Method != tt.wantMethod {
				t.Errorf("expected %s, got %s", tt.wantMethod, reqs[1].Method)
			}
			if string(ft.body[1]) != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, ft.body[1])
			}
			if got := headerValue(reqs[1].Header, "authorization") != ""; got != tt.wantAuth {
				t.Errorf("authorization present=%v, want %v", got, tt.wantAuth)
			}
		})
	}
}

func TestDispatch_RedirectLimit(t *testing.T) {
	tiers := &fakeTiers{tcp: func(req *http.Request) (*http.Response, error) {
		return respond(req, 302, 2, http.Header{"Location": {"/loop"}}, ""), nil
	}}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome), WithRedirect(FollowRedirects(3)))

	_, err := c.Get(context.Background(), "https://example.com/loop", nil)
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindTransport {
		t.Fatalf("expected a transport error, got %v", err)
	}
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Errorf("expected ErrTooManyRedirects, got %v", err)
	}
	if n := tiers.count("tcp"); n != 4 {
		t.Errorf("expected 4 requests, got %d", n)
	}
	if n := len(tiers.get("vanilla")); n != 0 {
		t.Errorf("redirect overflow must not fall back, built %d plain tiers", n)
	}
}

func TestDispatch_ManualRedirects(t *testing.T) {
	tiers := &fakeTiers{tcp: func(req *http.Request) (*http.Response, error) {
		return respond(req, 302, 2, http.Header{"Location": {"/elsewhere"}}, ""), nil
	}}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome), WithRedirect(ManualRedirects()))
	resp, err := c.Get(context.Background(), "https://example.com/", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 302 || resp.Header.Get("Location") != "/elsewhere" {
		t.Errorf("expected the redirect itself, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestDispatch_Cookies(t *testing.T) {
	handler := func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/login" {
			return respond(req, 200, 2, http.Header{"Set-Cookie": {"session=abc; Path=/"}}, ""), nil
		}
		return respond(req, 200, 2, nil, headerValue(req.Header, "cookie")), nil
	}

	tests := []struct {
		name    string
		enabled bool
		want    string
	}{
		{"enabled", true, "session=abc"},
		{"disabled", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tiers := &fakeTiers{tcp: handler}
			c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome), WithCookies(tt.enabled))
			if _, err := c.Get(context.Background(), "https://example.com/login", nil); err != nil {
				t.Fatalf("login: %v", err)
			}
			resp, err := c.Get(context.Background(), "https://example.com/me", nil)
			if err != nil {
				t.Fatalf("me: %v", err)
			}
			if string(resp.Body) != tt.want {
				t.Errorf("expected cookie %q, got %q", tt.want, resp.Body)
			}
		})
	}
}

func TestDispatch_DecodesBody(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("hello, world"))
	zw.Close()

	tiers := &fakeTiers{tcp: func(req *http.Request) (*http.Response, error) {
		h := http.Header{"Content-Encoding": {"gzip"}, "Content-Length": {fmt.Sprint(buf.Len())}}
		return respond(req, 200, 2, h, buf.String()), nil
	}}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome))
	resp, err := c.Get(context.Background(), "https://example.com", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Body) != "hello, world" {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if resp.Header.Get("Content-Encoding") != "" || resp.Header.Get("Content-Length") != "" {
		t.Errorf("encoding headers kept: %v", resp.Header)
	}
}

func TestDispatch_DecodeFailureFallsBack(t *testing.T) {
	tiers := &fakeTiers{
		tcp: func(req *http.Request) (*http.Response, error) {
			return respond(req, 200, 2, http.Header{"Content-Encoding": {"gzip"}}, "not gzip"), nil
		},
	}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome))
	resp, err := c.Get(context.Background(), "https://example.com", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Impersonated || string(resp.Body) != "ok" {
		t.Errorf("expected the fallback response, got %+v", resp)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	deadlines := make(chan time.Duration, 2)
	tiers := &fakeTiers{tcp: func(req *http.Request) (*http.Response, error) {
		d, ok := req.Context().Deadline()
		if !ok {
			deadlines <- 0
		} else {
			deadlines <- time.Until(d)
		}
		return respond(req, 200, 2, nil, ""), nil
	}}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome), WithTimeout(time.Hour))

	tests := []struct {
		name     string
		opts     *RequestOptions
		min, max time.Duration
	}{
		{"default", nil, 59 * time.Minute, time.Hour},
		{"override", &RequestOptions{Timeout: 2 * time.Second}, time.Second, 2 * time.Second},
	}
	for _, tt := range tests {
		if _, err := c.Get(context.Background(), "https://example.com", tt.opts); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		d := <-deadlines
		if d < tt.min || d > tt.max {
			t.Errorf("%s: deadline %v outside [%v, %v]", tt.name, d, tt.min, tt.max)
		}
	}
}

func TestDispatch_Methods(t *testing.T) {
	tiers := &fakeTiers{}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome))
	ctx := context.Background()
	const u = "https://example.com"

	calls := []struct {
		method string
		call   func() (*Response, error)
	}{
		{http.MethodGet, func() (*Response, error) { return c.Get(ctx, u, nil) }},
		{http.MethodHead, func() (*Response, error) { return c.Head(ctx, u, nil) }},
		{http.MethodOptions, func() (*Response, error) { return c.Options(ctx, u, nil) }},
		{http.MethodTrace, func() (*Response, error) { return c.Trace(ctx, u, nil) }},
		{http.MethodDelete, func() (*Response, error) { return c.Delete(ctx, u, nil) }},
		{http.MethodPost, func() (*Response, error) { return c.Post(ctx, u, nil, nil) }},
		{http.MethodPut, func() (*Response, error) { return c.Put(ctx, u, []byte("x"), nil) }},
		{http.MethodPatch, func() (*Response, error) { return c.Patch(ctx, u, []byte("y"), nil) }},
	}
	for i, tt := range calls {
		if _, err := tt.call(); err != nil {
			t.Fatalf("%s: %v", tt.method, err)
		}
		req := tiers.get("tcp")[0].requests()[i]
		if req.Method != tt.method {
			t.Errorf("expected %s, got %s", tt.method, req.Method)
		}
	}
	post := tiers.get("tcp")[0].requests()[5]
	if post.Body == nil || post.ContentLength != 0 {
		t.Errorf("empty POST should carry a zero-length body, got %v %d", post.Body, post.ContentLength)
	}
}

func TestDispatch_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tiers := &fakeTiers{tcp: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/fail" {
			return nil, errors.New("reset")
		}
		return respond(req, 200, 2, nil, ""), nil
	}}
	c := newTestClient(t, tiers, WithBrowser(fingerprint.Chrome), WithMetrics(reg))

	c.Get(context.Background(), "https://example.com/ok", nil)
	c.Get(context.Background(), "https://example.com/fail", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	totals := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				totals[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	// Two impersonated sends plus the fallback send.
	if got := totals["cloakfetch_requests_total"]; got != 3 {
		t.Errorf("expected 3 sends, got %v", got)
	}
	if got := totals["cloakfetch_fallbacks_total"]; got != 1 {
		t.Errorf("expected 1 fallback, got %v", got)
	}
}

func TestClient_Close(t *testing.T) {
	tiers := &fakeTiers{}
	c, err := New(WithTransportFactory(tiers.factory), WithHTTP3(), WithH3Prober(&fakeProber{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, kind := range []string{"tcp", "quic"} {
		for _, ft := range tiers.get(kind) {
			if !ft.closed.Load() {
				t.Errorf("%s tier not closed", kind)
			}
		}
	}
}
