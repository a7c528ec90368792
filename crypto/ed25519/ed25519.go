// Package ed25519 wraps the curve25519-voi Ed25519 implementation with the
// key types used for peer identities.
package ed25519

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

const (
	// PubKeySize is the size, in bytes, of public keys as used in this package.
	PubKeySize = ed25519.PublicKeySize
	// PrivateKeySize is the size, in bytes, of private keys as used in this package.
	PrivateKeySize = ed25519.PrivateKeySize
	// SignatureSize is the size of an Edwards25519 signature.
	SignatureSize = ed25519.SignatureSize
	// SeedSize is the size, in bytes, of private key seeds.
	SeedSize = ed25519.SeedSize
)

// ErrInvalidKey is returned when a hex encoded key has the wrong length or
// encoding.
var ErrInvalidKey = errors.New("invalid ed25519 key")

// PrivKey implements an Ed25519 private key.
type PrivKey []byte

// PubKey implements an Ed25519 public key.
type PubKey []byte

// GenPrivKey generates a new private key using crypto/rand.
func GenPrivKey() PrivKey {
	return genPrivKey(rand.Reader)
}

func genPrivKey(rand io.Reader) PrivKey {
	_, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		panic(err)
	}
	return PrivKey(priv)
}

// GenPrivKeyFromSecret derives a private key from secret. It is deterministic
// and only meant for tests.
func GenPrivKeyFromSecret(secret []byte) PrivKey {
	seed := make([]byte, SeedSize)
	copy(seed, secret)
	return PrivKey(ed25519.NewKeyFromSeed(seed))
}

// Sign produces a signature on msg.
func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	if len(privKey) != PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(ed25519.PrivateKey(privKey), msg), nil
}

// PubKey returns the public key half of privKey.
func (privKey PrivKey) PubKey() PubKey {
	pub := make([]byte, PubKeySize)
	copy(pub, privKey[SeedSize:])
	return PubKey(pub)
}

// VerifySignature reports whether sig is a valid signature of msg by pubKey.
func (pubKey PubKey) VerifySignature(msg, sig []byte) bool {
	if len(pubKey) != PubKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

// String returns the lower-case hex encoding of the key, which is also the
// peer identity derived from it.
func (pubKey PubKey) String() string {
	return hex.EncodeToString(pubKey)
}

// PubKeyFromHex decodes a hex encoded public key.
func PubKeyFromHex(s string) (PubKey, error) {
	bz, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(bz) != PubKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, PubKeySize, len(bz))
	}
	return PubKey(bz), nil
}
