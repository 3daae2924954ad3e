// Package sealer implements the relay Cryptographer: authenticated public-key encryption of
// envelope payloads between two gateways that exchanged public keys out of band.
package sealer

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/nacl/box"
)

const (
	KeySize   = 32
	nonceSize = 24
	// sharedKeyCacheSize bounds the number of peers with a precomputed shared key.
	sharedKeyCacheSize = 256
)

// ErrCrypto marks malformed input, key mismatch or a forged ciphertext.
var ErrCrypto = errors.New("crypto fault")

// Cryptographer seals payloads for a peer and opens payloads sealed by a peer.
// Keys travel as standard base64 strings.
type Cryptographer interface {
	PublicKey() string
	Seal(payload []byte, recipientPublicKey string) ([]byte, error)
	Open(sealed []byte, senderPublicKey string) ([]byte, error)
}

// Box is a Cryptographer backed by NaCl box (X25519, XSalsa20-Poly1305).
type Box struct {
	pub    *[KeySize]byte
	priv   *[KeySize]byte
	shared *lru.Cache[string, *[KeySize]byte]
	rand   io.Reader
}

var _ Cryptographer = (*Box)(nil)

// Generate creates a Box with a fresh key pair.
func Generate() (*Box, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrCrypto, err)
	}
	return newBox(pub, priv)
}

// New builds a Box from raw key material.
func New(publicKey, privateKey []byte) (*Box, error) {
	if len(publicKey) != KeySize || len(privateKey) != KeySize {
		return nil, fmt.Errorf("%w: invalid key length %d/%d", ErrCrypto, len(publicKey), len(privateKey))
	}
	pub, priv := new([KeySize]byte), new([KeySize]byte)
	copy(pub[:], publicKey)
	copy(priv[:], privateKey)
	return newBox(pub, priv)
}

func newBox(pub, priv *[KeySize]byte) (*Box, error) {
	cache, err := lru.New[string, *[KeySize]byte](sharedKeyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Box{pub: pub, priv: priv, shared: cache, rand: rand.Reader}, nil
}

func (b *Box) PublicKey() string { return EncodeKey(b.pub[:]) }

// Seal encrypts payload for recipientPublicKey. The random nonce is prepended.
func (b *Box) Seal(payload []byte, recipientPublicKey string) ([]byte, error) {
	key, err := b.sharedKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(b.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrCrypto, err)
	}
	return box.SealAfterPrecomputation(nonce[:], payload, &nonce, key), nil
}

// Open decrypts a payload sealed by senderPublicKey for this key pair.
func (b *Box) Open(sealed []byte, senderPublicKey string) ([]byte, error) {
	if len(sealed) < nonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: sealed payload too short (%d bytes)", ErrCrypto, len(sealed))
	}
	key, err := b.sharedKey(senderPublicKey)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := box.OpenAfterPrecomputation(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: message authentication failed", ErrCrypto)
	}
	return out, nil
}

func (b *Box) sharedKey(peer string) (*[KeySize]byte, error) {
	if k, ok := b.shared.Get(peer); ok {
		return k, nil
	}
	raw, err := DecodeKey(peer)
	if err != nil {
		return nil, err
	}
	var peerKey [KeySize]byte
	copy(peerKey[:], raw)
	k := new([KeySize]byte)
	box.Precompute(k, &peerKey, b.priv)
	b.shared.Add(peer, k)
	return k, nil
}

// EncodeKey renders raw key bytes in the wire form.
func EncodeKey(k []byte) string { return base64.StdEncoding.EncodeToString(k) }

// DecodeKey parses a wire-form key and checks its length.
func DecodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty key", ErrCrypto)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not base64: %v", ErrCrypto, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: invalid key length %d", ErrCrypto, len(raw))
	}
	return raw, nil
}
