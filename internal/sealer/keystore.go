package sealer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

const (
	defaultPrivateKeyName = "relay_x25519_private.key"
	defaultPublicKeyName  = "relay_x25519_public.key"
)

// LoadOrCreate reads the gateway key pair from dir, generating and persisting one when neither
// file exists.
func LoadOrCreate(dir string) (*Box, error) {
	privPath := filepath.Join(dir, defaultPrivateKeyName)
	pubPath := filepath.Join(dir, defaultPublicKeyName)

	privBytes, privErr := os.ReadFile(privPath)
	pubBytes, pubErr := os.ReadFile(pubPath)

	switch {
	case privErr == nil && pubErr == nil:
		priv, err := DecodeKey(string(bytes.TrimSpace(privBytes)))
		if err != nil {
			return nil, fmt.Errorf("invalid private key %q: %w", privPath, err)
		}
		pub, err := DecodeKey(string(bytes.TrimSpace(pubBytes)))
		if err != nil {
			return nil, fmt.Errorf("invalid public key %q: %w", pubPath, err)
		}
		derived, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("%w: derive public key: %v", ErrCrypto, err)
		}
		if !bytes.Equal(derived, pub) {
			return nil, errors.New("public key does not match private key")
		}
		return New(pub, priv)

	case errors.Is(privErr, os.ErrNotExist) && errors.Is(pubErr, os.ErrNotExist):
		b, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(privPath, []byte(EncodeKey(b.priv[:])+"\n"), 0o600); err != nil {
			return nil, err
		}
		if err := writeFileAtomic(pubPath, []byte(b.PublicKey()+"\n"), 0o644); err != nil {
			return nil, err
		}
		return b, nil

	case errors.Is(privErr, os.ErrNotExist) || errors.Is(pubErr, os.ErrNotExist):
		// Partial presence is dangerous; don't rotate silently.
		return nil, fmt.Errorf("keypair incomplete: private=%q exists=%v, public=%q exists=%v",
			privPath, privErr == nil, pubPath, pubErr == nil)

	case privErr != nil:
		return nil, privErr

	default:
		return nil, pubErr
	}
}

func writeFileAtomic(path string, contents []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, contents, perm); err != nil {
		return err
	}
	_ = os.Remove(path)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
