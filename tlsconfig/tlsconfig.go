// Package tlsconfig derives per-client TLS settings from a browser profile.
//
// A Config is built once per client tier and is immutable afterwards. It
// hands out a fresh ClientHelloSpec for every connection, since uTLS
// mutates the spec it is given during the handshake.
package tlsconfig

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"

	"github.com/cloudflare/circl/hpke"
	tls "github.com/sardanioss/utls"
	"github.com/sardanioss/utls/dicttls"
	"k8s.io/klog/v2"

	"github.com/sardanioss/cloakfetch/ffdhe"
	"github.com/sardanioss/cloakfetch/fingerprint"
	"github.com/sardanioss/cloakfetch/keylog"
)

var (
	alpnTCP  = []string{"h2", "http/1.1"}
	alpnQUIC = []string{"h3"}
)

// defaultJA3 mirrors the ClientHello crypto/tls sends with its default
// settings, plus an encrypted_client_hello GREASE slot.
const defaultJA3 = "771," +
	"4865-4866-4867-49195-49199-49196-49200-52393-52392-49161-49171-49162-49172-156-157-47-53," +
	"0-5-10-11-13-65281-16-18-43-51-45-23-65037," +
	"4588-29-23-24-25," +
	"0"

// echPayloadLens are the GREASE ECH payload sizes Chrome picks from.
var echPayloadLens = []uint16{128, 160, 192, 224}

// Config is the TLS profile of one client tier.
type Config struct {
	profile  *fingerprint.Profile
	alpn     []string
	http3    bool
	insecure bool

	ja3    string
	extras *fingerprint.JA3Extras
	echKey []byte
	ffdhe  []*ffdhe.KeyShare

	seed        int64
	quicHelloID *tls.ClientHelloID
	quicSpec    *tls.ClientHelloSpec
}

// Build derives a Config. ALPN is ["h3"] when wantHTTP3 is set and
// ["h2", "http/1.1"] otherwise. A nil profile yields a plain Go-like
// ClientHello. Only key generation can fail.
func Build(profile *fingerprint.Profile, wantHTTP3, ignoreTLSErrors bool) (*Config, error) {
	c := &Config{
		profile:  profile,
		alpn:     alpnTCP,
		http3:    wantHTTP3,
		insecure: ignoreTLSErrors,
	}
	if wantHTTP3 {
		c.alpn = alpnQUIC
	}

	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("tlsconfig: seed: %w", err)
	}
	c.seed = int64(binary.LittleEndian.Uint64(seed[:]))

	echKey, err := generateECHKey()
	if err != nil {
		return nil, err
	}
	c.echKey = echKey

	if profile == nil {
		c.ja3 = defaultJA3
		c.extras = &fingerprint.JA3Extras{
			ALPN:      c.alpn,
			KeyShares: []tls.KeyShare{{Group: tls.X25519MLKEM768}, {Group: tls.X25519}},
		}
	} else {
		c.ja3 = profile.TLS.JA3
		if profile.TLS.PermuteExtensions {
			// Chrome permutes once per browser session, so the order is
			// fixed for the lifetime of this config.
			shuffled, err := fingerprint.ShuffleJA3Extensions(c.ja3, rand.New(rand.NewSource(c.seed)))
			if err != nil {
				return nil, fmt.Errorf("tlsconfig: %s: %w", profile.Name, err)
			}
			c.ja3 = shuffled
		}
		c.extras = fingerprint.ExtrasFor(&profile.TLS, c.alpn)
		if err := c.startFFDHE(); err != nil {
			return nil, err
		}
	}
	c.extras.ECH = c.echTemplate()

	if _, err := fingerprint.ParseJA3(c.ja3, c.extras); err != nil {
		return nil, fmt.Errorf("tlsconfig: %w", err)
	}

	if wantHTTP3 && profile != nil {
		if err := c.buildQUICSpec(); err != nil {
			return nil, err
		}
	}

	klog.V(4).InfoS("built TLS config", "profile", c.profileName(), "alpn", c.alpn,
		"insecure", ignoreTLSErrors, "ffdhe", len(c.ffdhe))
	return c, nil
}

// generateECHKey returns the public half of a fresh DHKEM(X25519,
// HKDF-SHA256) key pair. The private half is discarded; GREASE ECH is
// never decrypted.
func generateECHKey() ([]byte, error) {
	pub, _, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: ech key: %w", err)
	}
	key, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: ech key: %w", err)
	}
	return key, nil
}

func (c *Config) echTemplate() *tls.GREASEEncryptedClientHelloExtension {
	return &tls.GREASEEncryptedClientHelloExtension{
		CandidateCipherSuites: []tls.HPKESymmetricCipherSuite{
			{KdfId: dicttls.HKDF_SHA256, AeadId: dicttls.AEAD_AES_128_GCM},
			{KdfId: dicttls.HKDF_SHA256, AeadId: dicttls.AEAD_CHACHA20_POLY1305},
		},
		CandidatePayloadLens: echPayloadLens,
		EncapsulatedKey:      append([]byte(nil), c.echKey...),
	}
}

// startFFDHE computes the key shares for any finite-field groups the
// profile offers a share for.
func (c *Config) startFFDHE() error {
	for i, ks := range c.extras.KeyShares {
		group, ok := ffdhe.GroupByID(uint16(ks.Group))
		if !ok {
			continue
		}
		share, err := ffdhe.Start(group, nil)
		if err != nil {
			return fmt.Errorf("tlsconfig: %s key share: %w", group.Name, err)
		}
		c.ffdhe = append(c.ffdhe, share)
		c.extras.KeyShares[i].Data = share.Public()
	}
	return nil
}

// buildQUICSpec expands the profile's QUIC preset and pins its ALPN and
// ECH key to this config.
func (c *Config) buildQUICSpec() error {
	id := c.profile.QUICHelloID
	spec, err := tls.UTLSIdToSpecWithSeed(id, c.seed)
	if err != nil {
		return fmt.Errorf("tlsconfig: %s quic spec: %w", c.profileName(), err)
	}
	for i, ext := range spec.Extensions {
		switch e := ext.(type) {
		case *tls.ALPNExtension:
			e.AlpnProtocols = append([]string(nil), c.alpn...)
		case *tls.ApplicationSettingsExtension:
			e.SupportedProtocols = append([]string(nil), c.alpn...)
		case *tls.GREASEEncryptedClientHelloExtension:
			spec.Extensions[i] = c.echTemplate()
		}
	}
	c.quicHelloID = &id
	c.quicSpec = &spec
	return nil
}

func (c *Config) profileName() string {
	if c.profile == nil {
		return "none"
	}
	return c.profile.Name
}

// Profile returns the profile the config was built from, or nil.
func (c *Config) Profile() *fingerprint.Profile { return c.profile }

// ALPN returns the advertised application protocols.
func (c *Config) ALPN() []string { return append([]string(nil), c.alpn...) }

// HTTP3 reports whether the config was built for QUIC.
func (c *Config) HTTP3() bool { return c.http3 }

// InsecureSkipVerify reports whether certificate verification is off.
func (c *Config) InsecureSkipVerify() bool { return c.insecure }

// ECHPublicKey returns the X25519 public key sent in the GREASE ECH extension.
func (c *Config) ECHPublicKey() []byte { return append([]byte(nil), c.echKey...) }

// FFDHEShares returns the finite-field key shares sent in the ClientHello.
func (c *Config) FFDHEShares() []*ffdhe.KeyShare { return c.ffdhe }

// Seed returns the per-config seed that fixes extension and QUIC
// transport parameter order.
func (c *Config) Seed() int64 { return c.seed }

// JA3 returns the JA3 string the specs are built from, after any
// extension permutation.
func (c *Config) JA3() string { return c.ja3 }

// Spec returns a fresh ClientHelloSpec for one TCP connection.
func (c *Config) Spec() (*tls.ClientHelloSpec, error) {
	return fingerprint.ParseJA3(c.ja3, c.extras)
}

// QUIC returns the ClientHello preset and cached spec for the QUIC stack.
// Both are nil without a profile, and QUIC then uses its native handshake.
func (c *Config) QUIC() (*tls.ClientHelloID, *tls.ClientHelloSpec) {
	return c.quicHelloID, c.quicSpec
}

// UTLSConfig returns the uTLS configuration for a connection to serverName.
// SNI is always sent, also when verification is off.
func (c *Config) UTLSConfig(serverName string) *tls.Config {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: c.insecure,
		NextProtos:         c.ALPN(),
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS13,
		KeyLogWriter:       keylog.Writer(),
	}
	if c.http3 {
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg
}

// Client wraps conn in a uTLS client carrying this config's fingerprint.
// sessions may be nil. The handshake is left to the caller.
func (c *Config) Client(conn net.Conn, serverName string, sessions tls.ClientSessionCache) (*tls.UConn, error) {
	spec, err := c.Spec()
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: %w", err)
	}
	cfg := c.UTLSConfig(serverName)
	cfg.ClientSessionCache = sessions
	uconn := tls.UClient(conn, cfg, tls.HelloCustom)
	if err := uconn.ApplyPreset(spec); err != nil {
		return nil, fmt.Errorf("tlsconfig: apply %s spec: %w", c.profileName(), err)
	}
	return uconn, nil
}
