package fingerprint

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	tls "github.com/sardanioss/utls"
)

// JA3Extras carries the extension payloads a JA3 string has no room for.
// JA3 only lists extension IDs.
type JA3Extras struct {
	SignatureAlgorithms []tls.SignatureScheme
	ALPN                []string
	CertCompAlgs        []tls.CertCompressionAlgo
	PermuteExtensions   bool
	RecordSizeLimit     uint16 // 0 means 0x4001

	// KeyShares replaces the key_share entries. When empty, a single share
	// for the first non-GREASE group is sent. Shares whose Data is already
	// set are sent as is; uTLS generates the rest.
	KeyShares []tls.KeyShare
	// ECH is copied into every encrypted_client_hello slot. When nil an
	// empty GREASE extension is used and uTLS picks its own parameters.
	ECH *tls.GREASEEncryptedClientHelloExtension
	// ALPS lists the application_settings protocols. Defaults to the ALPN
	// list without http/1.1.
	ALPS []string
}

var (
	defaultSignatureAlgorithms = []tls.SignatureScheme{
		tls.ECDSAWithP256AndSHA256,
		tls.PSSWithSHA256,
		tls.PKCS1WithSHA256,
		tls.ECDSAWithP384AndSHA384,
		tls.PSSWithSHA384,
		tls.PKCS1WithSHA384,
		tls.PSSWithSHA512,
		tls.PKCS1WithSHA512,
	}
	delegatedCredentialAlgorithms = []tls.SignatureScheme{
		tls.ECDSAWithP256AndSHA256,
		tls.ECDSAWithP384AndSHA384,
		tls.ECDSAWithP521AndSHA512,
		tls.ECDSAWithSHA1,
	}
)

// ExtrasFor returns the JA3 extras described by a profile's TLS fingerprint
// with the given ALPN list.
func ExtrasFor(f *TLSFingerprint, alpn []string) *JA3Extras {
	extras := &JA3Extras{
		SignatureAlgorithms: f.SignatureAlgorithms,
		ALPN:                alpn,
		CertCompAlgs:        f.CertCompression,
		RecordSizeLimit:     f.RecordSizeLimit,
	}
	for _, g := range f.KeyShareGroups {
		ks := tls.KeyShare{Group: g}
		if isGREASE(uint16(g)) {
			ks.Data = []byte{0}
		}
		extras.KeyShares = append(extras.KeyShares, ks)
	}
	return extras
}

// isGREASE reports whether v is an RFC 8701 GREASE value (0x?a?a).
func isGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a
}

// withDefaults returns a copy of e with empty fields filled in. A nil e
// yields the Chrome defaults.
func (e *JA3Extras) withDefaults() *JA3Extras {
	var out JA3Extras
	if e != nil {
		out = *e
	}
	if len(out.SignatureAlgorithms) == 0 {
		out.SignatureAlgorithms = defaultSignatureAlgorithms
	}
	if len(out.ALPN) == 0 {
		out.ALPN = []string{"h2", "http/1.1"}
	}
	if len(out.CertCompAlgs) == 0 {
		out.CertCompAlgs = []tls.CertCompressionAlgo{tls.CertCompressionBrotli}
	}
	if out.RecordSizeLimit == 0 {
		out.RecordSizeLimit = 0x4001
	}
	if len(out.ALPS) == 0 {
		for _, p := range out.ALPN {
			if p != "http/1.1" {
				out.ALPS = append(out.ALPS, p)
			}
		}
	}
	return &out
}

// ja3Hello is the parsed form of a JA3 string plus the extras the
// extension builders read from.
type ja3Hello struct {
	version      uint16
	ciphers      []uint16
	extensions   []uint16
	curves       []tls.CurveID
	pointFormats []uint8
	greased      bool
	extras       *JA3Extras
}

// ParseJA3 turns a JA3 string (version,ciphers,extensions,curves,formats,
// each a dash-separated decimal list) into a ClientHelloSpec. GREASE values
// become tls.GREASE_PLACEHOLDER so every handshake gets fresh ones. A nil
// extras uses Chrome's payloads.
func ParseJA3(ja3 string, extras *JA3Extras) (*tls.ClientHelloSpec, error) {
	h, err := splitJA3(ja3)
	if err != nil {
		return nil, err
	}
	h.extras = extras.withDefaults()

	exts := make([]tls.TLSExtension, 0, len(h.extensions))
	for _, id := range h.extensions {
		exts = append(exts, h.extension(id))
	}
	if h.extras.PermuteExtensions {
		exts = tls.ShuffleChromeTLSExtensions(exts)
	}

	// The JA3 version is the legacy ClientHello field, 0x0303 even for
	// TLS 1.3 clients. supported_versions is what actually caps it.
	maxVersion := h.version
	if h.has(43) {
		maxVersion = tls.VersionTLS13
	}
	if maxVersion < tls.VersionTLS10 {
		maxVersion = tls.VersionTLS12
	}

	return &tls.ClientHelloSpec{
		TLSVersMin:         tls.VersionTLS12,
		TLSVersMax:         maxVersion,
		CipherSuites:       h.ciphers,
		CompressionMethods: []uint8{0},
		Extensions:         exts,
	}, nil
}

func splitJA3(ja3 string) (*ja3Hello, error) {
	fields := strings.Split(ja3, ",")
	if len(fields) != 5 {
		return nil, fmt.Errorf("ja3: expected 5 comma-separated fields, got %d", len(fields))
	}
	version, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("ja3: TLS version %q: %w", fields[0], err)
	}
	h := &ja3Hello{version: uint16(version)}

	if h.ciphers, err = parseList[uint16](fields[1], 16); err != nil {
		return nil, fmt.Errorf("ja3: cipher suites: %w", err)
	}
	for i, c := range h.ciphers {
		if isGREASE(c) {
			h.ciphers[i] = tls.GREASE_PLACEHOLDER
		}
	}
	if h.extensions, err = parseList[uint16](fields[2], 16); err != nil {
		return nil, fmt.Errorf("ja3: extensions: %w", err)
	}
	for _, id := range h.extensions {
		h.greased = h.greased || isGREASE(id)
	}
	if h.curves, err = parseList[tls.CurveID](fields[3], 16); err != nil {
		return nil, fmt.Errorf("ja3: elliptic curves: %w", err)
	}
	for i, c := range h.curves {
		if isGREASE(uint16(c)) {
			h.curves[i] = tls.GREASE_PLACEHOLDER
		}
	}
	if h.pointFormats, err = parseList[uint8](fields[4], 8); err != nil {
		return nil, fmt.Errorf("ja3: point formats: %w", err)
	}
	return h, nil
}

func (h *ja3Hello) has(id uint16) bool {
	for _, e := range h.extensions {
		if e == id {
			return true
		}
	}
	return false
}

// extensionBuilders maps extension IDs to constructors. IDs not listed
// become a GenericExtension with no payload.
var extensionBuilders = map[uint16]func(h *ja3Hello) tls.TLSExtension{
	0:  func(*ja3Hello) tls.TLSExtension { return &tls.SNIExtension{} },
	5:  func(*ja3Hello) tls.TLSExtension { return &tls.StatusRequestExtension{} },
	17: func(*ja3Hello) tls.TLSExtension { return &tls.StatusRequestV2Extension{} },
	18: func(*ja3Hello) tls.TLSExtension { return &tls.SCTExtension{} },
	21: func(*ja3Hello) tls.TLSExtension {
		return &tls.UtlsPaddingExtension{GetPaddingLen: tls.BoringPaddingStyle}
	},
	23: func(*ja3Hello) tls.TLSExtension { return &tls.UtlsExtendedMasterSecretExtension{} },
	35: func(*ja3Hello) tls.TLSExtension { return &tls.SessionTicketExtension{} },
	// pre_shared_key payload is filled in during the handshake.
	41: func(*ja3Hello) tls.TLSExtension { return &tls.UtlsPreSharedKeyExtension{} },
	44: func(*ja3Hello) tls.TLSExtension { return &tls.CookieExtension{} },
	45: func(*ja3Hello) tls.TLSExtension {
		return &tls.PSKKeyExchangeModesExtension{Modes: []uint8{tls.PskModeDHE}}
	},
	10: func(h *ja3Hello) tls.TLSExtension {
		return &tls.SupportedCurvesExtension{Curves: append([]tls.CurveID(nil), h.curves...)}
	},
	11: func(h *ja3Hello) tls.TLSExtension {
		return &tls.SupportedPointsExtension{SupportedPoints: h.pointFormats}
	},
	13: func(h *ja3Hello) tls.TLSExtension {
		return &tls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: h.extras.SignatureAlgorithms}
	},
	16: func(h *ja3Hello) tls.TLSExtension {
		return &tls.ALPNExtension{AlpnProtocols: append([]string(nil), h.extras.ALPN...)}
	},
	27: func(h *ja3Hello) tls.TLSExtension {
		return &tls.UtlsCompressCertExtension{Algorithms: h.extras.CertCompAlgs}
	},
	28: func(h *ja3Hello) tls.TLSExtension {
		return &tls.FakeRecordSizeLimitExtension{Limit: h.extras.RecordSizeLimit}
	},
	34: func(*ja3Hello) tls.TLSExtension {
		return &tls.DelegatedCredentialsExtension{SupportedSignatureAlgorithms: delegatedCredentialAlgorithms}
	},
	43: func(h *ja3Hello) tls.TLSExtension {
		versions := []uint16{tls.VersionTLS13, tls.VersionTLS12}
		if h.greased {
			versions = append([]uint16{tls.GREASE_PLACEHOLDER}, versions...)
		}
		return &tls.SupportedVersionsExtension{Versions: versions}
	},
	50: func(*ja3Hello) tls.TLSExtension {
		algs := append(append([]tls.SignatureScheme(nil), defaultSignatureAlgorithms...), tls.PKCS1WithSHA1)
		return &tls.SignatureAlgorithmsCertExtension{SupportedSignatureAlgorithms: algs}
	},
	51: func(h *ja3Hello) tls.TLSExtension {
		return &tls.KeyShareExtension{KeyShares: h.keyShares()}
	},
	17513: func(h *ja3Hello) tls.TLSExtension {
		return &tls.ApplicationSettingsExtension{SupportedProtocols: h.extras.ALPS}
	},
	65037: func(h *ja3Hello) tls.TLSExtension {
		if h.extras.ECH == nil {
			return &tls.GREASEEncryptedClientHelloExtension{}
		}
		ech := *h.extras.ECH
		return &ech
	},
	65281: func(*ja3Hello) tls.TLSExtension {
		return &tls.RenegotiationInfoExtension{Renegotiation: tls.RenegotiateOnceAsClient}
	},
}

func (h *ja3Hello) extension(id uint16) tls.TLSExtension {
	if isGREASE(id) {
		return &tls.UtlsGREASEExtension{}
	}
	if build, ok := extensionBuilders[id]; ok {
		return build(h)
	}
	// encrypt_then_mac (22), post_handshake_auth (49) and
	// quic_transport_parameters (57) carry no payload here.
	return &tls.GenericExtension{Id: id}
}

// keyShares copies the configured shares, or offers one share for the
// preferred group the way browsers do. The server answers with
// HelloRetryRequest when it wants another group.
func (h *ja3Hello) keyShares() []tls.KeyShare {
	if len(h.extras.KeyShares) > 0 {
		shares := make([]tls.KeyShare, len(h.extras.KeyShares))
		for i, ks := range h.extras.KeyShares {
			shares[i] = tls.KeyShare{Group: ks.Group, Data: append([]byte(nil), ks.Data...)}
		}
		return shares
	}
	for _, c := range h.curves {
		if !isGREASE(uint16(c)) {
			return []tls.KeyShare{{Group: c}}
		}
	}
	return nil
}

// ShuffleJA3Extensions returns ja3 with its extension list permuted the
// way Chrome does it. GREASE, padding (21) and pre_shared_key (41) keep
// their positions. Callers that need a stable order for the lifetime of a
// client shuffle once and reuse the result.
func ShuffleJA3Extensions(ja3 string, rng *rand.Rand) (string, error) {
	fields := strings.Split(ja3, ",")
	if len(fields) != 5 {
		return "", fmt.Errorf("ja3: expected 5 comma-separated fields, got %d", len(fields))
	}
	ids, err := parseList[uint16](fields[2], 16)
	if err != nil {
		return "", fmt.Errorf("ja3: extensions: %w", err)
	}
	strs := make([]string, 0, len(ids))
	for _, id := range PermuteExtensionIDs(ids, rng) {
		strs = append(strs, strconv.FormatUint(uint64(id), 10))
	}
	fields[2] = strings.Join(strs, "-")
	return strings.Join(fields, ","), nil
}

// PermuteExtensionIDs shuffles the movable extension IDs in place and
// returns ids.
func PermuteExtensionIDs(ids []uint16, rng *rand.Rand) []uint16 {
	var movable []int
	for i, id := range ids {
		if !isGREASE(id) && id != 21 && id != 41 {
			movable = append(movable, i)
		}
	}
	rng.Shuffle(len(movable), func(i, j int) {
		a, b := movable[i], movable[j]
		ids[a], ids[b] = ids[b], ids[a]
	})
	return ids
}

// parseList parses a dash-separated list of decimal values that fit in
// bits. Empty elements are skipped.
func parseList[T ~uint8 | ~uint16](s string, bits int) ([]T, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []T
	for _, p := range strings.Split(s, "-") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, bits)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", p, err)
		}
		out = append(out, T(v))
	}
	return out, nil
}
