// Package ffdhe implements finite-field Diffie-Hellman over the RFC 7919
// named groups, for key shares the TLS stack does not generate itself.
package ffdhe

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// Group is an RFC 7919 named group.
type Group struct {
	// ID is the TLS NamedGroup codepoint.
	ID   uint16
	Name string
	p    *big.Int
	g    *big.Int
}

// Size returns the length in bytes of p, which is also the length of every
// encoded public value and shared secret.
func (g *Group) Size() int {
	return (g.p.BitLen() + 7) / 8
}

// P returns a copy of the group prime.
func (g *Group) P() *big.Int {
	return new(big.Int).Set(g.p)
}

const ffdhe2048Hex = `
FFFFFFFF FFFFFFFF ADF85458 A2BB4A9A AFDC5620 273D3CF1
D8B9C583 CE2D3695 A9E13641 146433FB CC939DCE 249B3EF9
7D2FE363 630C75D8 F681B202 AEC4617A D3DF1ED5 D5FD6561
2433F51F 5F066ED0 85636555 3DED1AF3 B557135E 7F57C935
984F0C70 E0E68B77 E2A689DA F3EFE872 1DF158A1 36ADE735
30ACCA4F 483A797A BC0AB182 B324FB61 D108A94B B2C8E3FB
B96ADAB7 60D7F468 1D4F42A3 DE394DF4 AE56EDE7 6372BB19
0B07A7C8 EE0A6D70 9E02FCE1 CDF7E2EC C03404CD 28342F61
9172FE9C E98583FF 8E4F1232 EEF28183 C3FE3B1B 4C6FAD73
3BB5FCBC 2EC22005 C58EF183 7D1683B2 C6F34A26 C1B2EFFA
886B4238 61285C97 FFFFFFFF FFFFFFFF`

const ffdhe3072Hex = `
FFFFFFFF FFFFFFFF ADF85458 A2BB4A9A AFDC5620 273D3CF1
D8B9C583 CE2D3695 A9E13641 146433FB CC939DCE 249B3EF9
7D2FE363 630C75D8 F681B202 AEC4617A D3DF1ED5 D5FD6561
2433F51F 5F066ED0 85636555 3DED1AF3 B557135E 7F57C935
984F0C70 E0E68B77 E2A689DA F3EFE872 1DF158A1 36ADE735
30ACCA4F 483A797A BC0AB182 B324FB61 D108A94B B2C8E3FB
B96ADAB7 60D7F468 1D4F42A3 DE394DF4 AE56EDE7 6372BB19
0B07A7C8 EE0A6D70 9E02FCE1 CDF7E2EC C03404CD 28342F61
9172FE9C E98583FF 8E4F1232 EEF28183 C3FE3B1B 4C6FAD73
3BB5FCBC 2EC22005 C58EF183 7D1683B2 C6F34A26 C1B2EFFA
886B4238 611FCFDC DE355B3B 6519035B BC34F4DE F99C0238
61B46FC9 D6E6C907 7AD91D26 91F7F7EE 598CB0FA C186D91C
AEFE1309 85139270 B4130C93 BC437944 F4FD4452 E2D74DD3
64F2E21E 71F54BFF 5CAE82AB 9C9DF69E E86D2BC5 22363A0D
ABC52197 9B0DEADA 1DBF9A42 D5C4484E 0ABCD06B FA53DDEF
3C1B20EE 3FD59D7C 25E41D2B 66C62E37 FFFFFFFF FFFFFFFF`

var (
	// FFDHE2048 is the 2048-bit group, NamedGroup 0x0100.
	FFDHE2048 = newGroup(0x0100, "ffdhe2048", ffdhe2048Hex)
	// FFDHE3072 is the 3072-bit group, NamedGroup 0x0101.
	FFDHE3072 = newGroup(0x0101, "ffdhe3072", ffdhe3072Hex)
)

func newGroup(id uint16, name, hex string) *Group {
	p, ok := new(big.Int).SetString(strings.Join(strings.Fields(hex), ""), 16)
	if !ok {
		panic("ffdhe: bad prime for " + name)
	}
	return &Group{ID: id, Name: name, p: p, g: big.NewInt(2)}
}

// GroupByID returns the group with the given NamedGroup codepoint.
func GroupByID(id uint16) (*Group, bool) {
	switch id {
	case FFDHE2048.ID:
		return FFDHE2048, true
	case FFDHE3072.ID:
		return FFDHE3072, true
	}
	return nil, false
}

// PrivateKeySize is the length of the random exponent.
const PrivateKeySize = 64

// ErrInvalidPublic is returned when a peer value is outside (1, p-1).
var ErrInvalidPublic = errors.New("ffdhe: invalid peer public value")

// KeyShare is an in-progress exchange. It is not safe for concurrent use.
type KeyShare struct {
	group  *Group
	x      *big.Int
	public []byte
}

// Start draws a random exponent from r (crypto/rand when nil) and computes
// the public value g^x mod p.
func Start(group *Group, r io.Reader) (*KeyShare, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, PrivateKeySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("ffdhe: generate private key: %w", err)
	}
	return startWithExponent(group, new(big.Int).SetBytes(buf)), nil
}

func startWithExponent(group *Group, x *big.Int) *KeyShare {
	pub := new(big.Int).Exp(group.g, x, group.p)
	return &KeyShare{group: group, x: x, public: pad(pub, group.Size())}
}

// Group returns the group of the exchange.
func (k *KeyShare) Group() *Group { return k.group }

// Public returns the encoded public value, left-padded to the group size.
func (k *KeyShare) Public() []byte {
	return append([]byte(nil), k.public...)
}

// Complete computes the shared secret from the peer's encoded public value.
// The result is left-padded to the group size.
func (k *KeyShare) Complete(peer []byte) ([]byte, error) {
	if len(peer) != k.group.Size() {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidPublic, len(peer), k.group.Size())
	}
	y := new(big.Int).SetBytes(peer)
	pMinus1 := new(big.Int).Sub(k.group.p, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pMinus1) >= 0 {
		return nil, ErrInvalidPublic
	}
	secret := new(big.Int).Exp(y, k.x, k.group.p)
	return pad(secret, k.group.Size()), nil
}

func pad(n *big.Int, size int) []byte {
	out := make([]byte, size)
	return n.FillBytes(out)
}
