package sealer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)

	sealed, err := alice.Seal([]byte("hello"), bob.PublicKey())
	require.NoError(t, err)

	plain, err := bob.Open(sealed, alice.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
}

func TestOpenRejectsWrongSender(t *testing.T) {
	alice, _ := Generate()
	bob, _ := Generate()
	mallory, _ := Generate()

	sealed, err := alice.Seal([]byte("hello"), bob.PublicKey())
	require.NoError(t, err)

	_, err = bob.Open(sealed, mallory.PublicKey())
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestOpenRejectsTamperedAndShortInput(t *testing.T) {
	alice, _ := Generate()
	bob, _ := Generate()

	sealed, err := alice.Seal([]byte("payload"), bob.PublicKey())
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = bob.Open(sealed, alice.PublicKey())
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = bob.Open([]byte("short"), alice.PublicKey())
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestDecodeKeyValidation(t *testing.T) {
	_, err := DecodeKey("")
	assert.ErrorIs(t, err, ErrCrypto)
	_, err = DecodeKey("not base64!")
	assert.ErrorIs(t, err, ErrCrypto)
	_, err = DecodeKey(EncodeKey([]byte("short")))
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	second, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())

	require.NoError(t, os.Remove(filepath.Join(dir, defaultPublicKeyName)))
	_, err = LoadOrCreate(dir)
	assert.ErrorContains(t, err, "keypair incomplete")
}
