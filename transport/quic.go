package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	http "github.com/sardanioss/http"
	"github.com/sardanioss/quic-go"
	"github.com/sardanioss/quic-go/http3"
	tls "github.com/sardanioss/utls"
	"k8s.io/klog/v2"

	"github.com/sardanioss/cloakfetch/dns"
	"github.com/sardanioss/cloakfetch/fingerprint"
	"github.com/sardanioss/cloakfetch/tlsconfig"
)

// HTTP/3 SETTINGS identifiers.
const (
	settingQPACKMaxTableCapacity = 0x1
	settingQPACKBlockedStreams   = 0x7
)

// QUIC transport parameters Chrome adds to the standard set.
const (
	tpVersionInformation = 0x11
	tpGoogleVersion      = 0x4752
)

const quicVersion1 = 0x00000001

// ErrQUICParamsInUse is returned when an HTTP/3 tier is created while
// tiers of another browser are open. quic-go keeps the extra client
// transport parameters in a process-wide variable, so only one browser's
// set can be on the wire at a time.
var ErrQUICParamsInUse = errors.New("transport: QUIC transport parameters of another browser are in use")

var quicParams struct {
	mu    sync.Mutex
	owner string
	users int
}

// acquireQUICParams installs the extra transport parameters of owner
// ("chrome", "firefox" or "none") unless another owner holds them.
func acquireQUICParams(owner string) error {
	quicParams.mu.Lock()
	defer quicParams.mu.Unlock()
	if quicParams.users > 0 && quicParams.owner != owner {
		return fmt.Errorf("%w: %s tier requested while %d %s tier(s) are open",
			ErrQUICParamsInUse, owner, quicParams.users, quicParams.owner)
	}
	if quicParams.users == 0 {
		var params map[uint64][]byte
		if owner == fingerprint.Chrome.String() {
			params = chromeTransportParams()
		}
		quic.SetAdditionalTransportParameters(params)
		quicParams.owner = owner
	}
	quicParams.users++
	return nil
}

func releaseQUICParams() {
	quicParams.mu.Lock()
	defer quicParams.mu.Unlock()
	if quicParams.users == 0 {
		return
	}
	quicParams.users--
	if quicParams.users == 0 {
		quic.SetAdditionalTransportParameters(nil)
		quicParams.owner = ""
	}
}

func quicParamsOwner(c *tlsconfig.Config) string {
	if p := c.Profile(); p != nil {
		return p.Browser.String()
	}
	return "none"
}

func init() {
	os.Setenv("QUIC_GO_DISABLE_RECEIVE_BUFFER_WARNING", "1")
}

// chromeTransportParams returns version_information (QUICv1 chosen, a
// GREASE version and QUICv1 available) and google_version.
func chromeTransportParams() map[uint64][]byte {
	versionInfo := make([]byte, 0, 12)
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, quicVersion1)
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, greaseVersion())
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, quicVersion1)

	return map[uint64][]byte{
		tpVersionInformation: versionInfo,
		tpGoogleVersion:      binary.BigEndian.AppendUint32(nil, quicVersion1),
	}
}

// greaseVersion returns a reserved version of the form 0x?a?a?a?a.
func greaseVersion() uint32 {
	n := uint32(rand.Intn(16))
	return n<<28 | 0x0a000000 | n<<20 | 0x000a0000 | n<<12 | 0x00000a00 | n<<4 | 0x0000000a
}

// greaseSettingID returns a reserved HTTP/3 setting ID (0x1f*N + 0x21)
// with N as large as Chrome's.
func greaseSettingID() uint64 {
	n := uint64(1000000000 + rand.Int63n(9000000000))
	return 0x1f*n + 0x21
}

// QUICTransport sends requests over HTTP/3. The http3 transport pools
// connections; this type supplies the dialer, the fingerprinted QUIC
// config and the UDP socket.
type QUICTransport struct {
	tls       *tlsconfig.Config
	resolver  *dns.Cache
	sessions  *SessionCache
	udp       *net.UDPConn
	quic      *quic.Transport
	quicCfg   *quic.Config
	transport *http3.Transport

	dials atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewQUICTransport binds a UDP socket and returns an HTTP/3 tier. The
// TLS config must have been built for HTTP/3.
func NewQUICTransport(opts Options) (*QUICTransport, error) {
	if !opts.TLS.HTTP3() {
		return nil, fmt.Errorf("transport: TLS config was not built for HTTP/3")
	}
	opts = opts.withDefaults()

	if err := acquireQUICParams(quicParamsOwner(opts.TLS)); err != nil {
		return nil, &Error{Op: "quic", Protocol: ProtocolHTTP3, Err: err}
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		udp, err = net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6zero})
		if err != nil {
			releaseQUICParams()
			return nil, &Error{Op: "quic", Protocol: ProtocolHTTP3, Err: err}
		}
	}

	t := &QUICTransport{
		tls:      opts.TLS,
		resolver: opts.Resolver,
		sessions: opts.Sessions,
		udp:      udp,
		quic:     &quic.Transport{Conn: udp},
	}
	t.quicCfg = newQUICConfig(opts.TLS)

	tlsCfg := opts.TLS.UTLSConfig("")
	tlsCfg.ClientSessionCache = t.sessions

	t.transport = &http3.Transport{
		TLSClientConfig:        tlsCfg,
		QUICConfig:             t.quicCfg,
		Dial:                   t.dial,
		DisableCompression:     true,
		MaxResponseHeaderBytes: 262144,
	}
	if p := opts.TLS.Profile(); p != nil && p.Browser == fingerprint.Chrome {
		t.transport.EnableDatagrams = true
		t.transport.SendGreaseFrames = true
		t.transport.AdditionalSettings = map[uint64]uint64{
			settingQPACKMaxTableCapacity: 65536,
			settingQPACKBlockedStreams:   100,
			greaseSettingID():            uint64(1 + rand.Uint32()%(1<<32-1)),
		}
	}
	return t, nil
}

// newQUICConfig returns the QUIC settings of a tier. Without a profile
// the ClientHello is quic-go's own.
func newQUICConfig(c *tlsconfig.Config) *quic.Config {
	cfg := &quic.Config{
		MaxIdleTimeout:        30 * time.Second,
		KeepAlivePeriod:       30 * time.Second,
		MaxIncomingStreams:    100,
		MaxIncomingUniStreams: 103,
	}
	p := c.Profile()
	if p == nil {
		return cfg
	}
	id, spec := c.QUIC()
	cfg.ClientHelloID = id
	cfg.CachedClientHelloSpec = spec
	cfg.TransportParameterShuffleSeed = c.Seed()
	if p.Browser == fingerprint.Chrome {
		cfg.Allow0RTT = true
		cfg.EnableDatagrams = true
		cfg.InitialPacketSize = 1250
		cfg.DisableClientHelloScrambling = true
		cfg.ChromeStyleInitialPackets = true
		cfg.TransportParameterOrder = quic.TransportParameterOrderChrome
	}
	return cfg
}

// dial resolves addr and tries its addresses, IPv6 first, until one
// completes the QUIC handshake.
func (t *QUICTransport) dial(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
	t.dials.Add(1)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &Error{Op: "quic", Host: addr, Protocol: ProtocolHTTP3, Err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, &Error{Op: "quic", Host: host, Protocol: ProtocolHTTP3, Err: err}
	}
	ips, err := t.resolver.ResolveSorted(ctx, host)
	if err != nil {
		return nil, &Error{Op: "dial", Host: host, Protocol: ProtocolHTTP3, Err: err}
	}

	tlsCfg = tlsCfg.Clone()
	tlsCfg.ServerName = host
	tlsCfg.ClientSessionCache = t.sessions

	var lastErr error
	for _, ip := range ips {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := t.quic.Dial(ctx, &net.UDPAddr{IP: ip, Port: port}, tlsCfg, cfg.Clone())
		if err == nil {
			klog.V(4).InfoS("quic connected", "host", host, "ip", ip)
			return conn, nil
		}
		lastErr = err
		klog.V(5).InfoS("quic address failed", "host", host, "ip", ip, "err", err)
	}
	return nil, &Error{Op: "quic", Host: host, Protocol: ProtocolHTTP3, Err: lastErr}
}

// RoundTrip implements RoundTripper.
func (t *QUICTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, &Error{Op: "roundtrip", Host: req.URL.Hostname(), Protocol: ProtocolHTTP3, Err: ErrClosed}
	}
	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		return nil, wrap("h3", req.URL.Hostname(), ProtocolHTTP3, err)
	}
	return resp, nil
}

// Dials returns how many QUIC connections were attempted.
func (t *QUICTransport) Dials() int64 { return t.dials.Load() }

// Close implements RoundTripper.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.transport.Close()
	if qerr := t.quic.Close(); err == nil {
		err = qerr
	}
	t.udp.Close()
	releaseQUICParams()
	return err
}

var _ RoundTripper = (*QUICTransport)(nil)
