package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := RandomBytes(32)
	require.NoError(t, err)

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("hello world"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, pt := range plaintexts {
		env, err := Encrypt(pt, key)
		require.NoError(t, err)

		got, err := Decrypt(env, key)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, _ := RandomBytes(32)
	key2, _ := RandomBytes(32)

	env, err := Encrypt([]byte("secret"), key1)
	require.NoError(t, err)

	_, err = Decrypt(env, key2)
	assert.ErrorIs(t, err, ErrCorruptCiphertext)
}

func TestDecryptTamperedEnvelopeFails(t *testing.T) {
	key, _ := RandomBytes(32)
	env, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	tampered := env[:len(env)-2] + "zz"
	_, err = Decrypt(tampered, key)
	assert.ErrorIs(t, err, ErrCorruptCiphertext)
}

func TestDecryptMalformedEnvelopeFails(t *testing.T) {
	key, _ := RandomBytes(32)
	_, err := Decrypt("not-a-valid-envelope!!", key)
	assert.ErrorIs(t, err, ErrCorruptCiphertext)
}

func TestDeriveKeyStretchesShortSecret(t *testing.T) {
	short := []byte("short-secret")
	derived := DeriveKey(short)
	assert.Len(t, derived, 32)

	full := make([]byte, 32)
	copy(full, []byte("exactly-32-bytes-of-key-material"))
	assert.Len(t, DeriveKey(full), 32)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}

func TestBase64URLRoundTrip(t *testing.T) {
	data := []byte{0, 1, 2, 255, 254, 253}
	encoded := Base64URLEncode(data)
	decoded, err := Base64URLDecode(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}
