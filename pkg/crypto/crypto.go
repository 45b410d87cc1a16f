// Package crypto implements the gateway's authenticated-encryption envelope,
// random generation, hashing, and constant-time comparison primitives (C1).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrCorruptCiphertext is returned whenever an envelope fails to decrypt or
// authenticate. Callers (TokenStore in particular) must delete the
// offending record rather than retry.
var ErrCorruptCiphertext = errors.New("crypto: corrupt ciphertext")

const (
	keySize     = 32 // AES-256
	nonceSize   = 12 // GCM standard nonce
	envelopeVer = byte(1)
)

// DeriveKey returns a 32-byte key from the given secret. If the secret is
// already 32 bytes it is used directly; otherwise it is stretched/condensed
// via SHA-256, per spec §4.1's key-derivation rule.
func DeriveKey(secret []byte) []byte {
	if len(secret) == keySize {
		out := make([]byte, keySize)
		copy(out, secret)
		return out
	}
	sum := sha256.Sum256(secret)
	return sum[:]
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return b, nil
}

// Sha256 returns the SHA-256 digest of data.
func Sha256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Base64URLEncode encodes data unpadded, base64url — the alphabet PKCE
// challenges and opaque state tokens use.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode decodes an unpadded base64url string.
func Base64URLDecode(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: base64url decode: %w", err)
	}
	return b, nil
}

// ConstantTimeEqual compares two byte slices in constant time (for equal
// lengths; unequal lengths return false at once).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// Still run a comparison so callers get the same cost shape either
		// way; the length check itself leaks only the lengths, which are
		// not secret here (token lengths are fixed/public).
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Encrypt seals plaintext under key using AES-256-GCM with a fresh random
// 96-bit nonce, returning a single self-describing base64url envelope:
// version(1) || nonce(12) || ciphertext||tag.
func Encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(DeriveKey(key))
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	nonce, err := RandomBytes(nonceSize)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	envelope := make([]byte, 0, 1+len(nonce)+len(sealed))
	envelope = append(envelope, envelopeVer)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, sealed...)

	return Base64URLEncode(envelope), nil
}

// Decrypt opens an envelope produced by Encrypt. Any failure — malformed
// input, wrong key, tampered ciphertext — returns ErrCorruptCiphertext.
func Decrypt(envelope string, key []byte) ([]byte, error) {
	raw, err := Base64URLDecode(envelope)
	if err != nil {
		return nil, ErrCorruptCiphertext
	}
	if len(raw) < 1+nonceSize || raw[0] != envelopeVer {
		return nil, ErrCorruptCiphertext
	}

	nonce := raw[1 : 1+nonceSize]
	ciphertext := raw[1+nonceSize:]

	block, err := aes.NewCipher(DeriveKey(key))
	if err != nil {
		return nil, ErrCorruptCiphertext
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCorruptCiphertext
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCorruptCiphertext
	}
	return plaintext, nil
}
