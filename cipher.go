package cipherlink

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/xerrors"
)

const (
	// KeySize is the size of a SharedKey.
	KeySize = 32

	// Overhead is the number of bytes Encrypt adds to a plaintext: the nonce and
	// the Poly1305 authenticator.
	Overhead = NonceSize + secretbox.Overhead
)

// SessionCipher encrypts and decrypts tunnel messages with XSalsa20-Poly1305 under
// a single shared key. Every encryption uses a fresh random nonce, which is sent
// in front of the sealed message.
//
// A SessionCipher is safe for concurrent use.
type SessionCipher struct {
	key    [KeySize]byte
	random io.Reader
}

// NewSessionCipher returns a cipher for key, which must be exactly KeySize bytes.
// Nonces are read from random, or from crypto/rand if random is nil.
func NewSessionCipher(key SharedKey, random io.Reader) (*SessionCipher, error) {
	if len(key) != KeySize {
		return nil, prefixError(ErrInvalidKeySize, "got %d bytes, expected %d", len(key), KeySize)
	}
	if random == nil {
		random = rand.Reader
	}
	c := &SessionCipher{random: random}
	copy(c.key[:], key)
	return c, nil
}

// Encrypt seals plaintext and returns nonce || sealed box, of length
// Overhead+len(plaintext).
func (c *SessionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	return c.seal(make([]byte, 0, Overhead+len(plaintext)), plaintext)
}

// seal appends the nonce and the sealed plaintext to dst.
func (c *SessionCipher) seal(dst, plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(c.random, nonce[:]); err != nil {
		return nil, xerrors.Errorf("reading nonce: %w", err)
	}
	dst = append(dst, nonce[:]...)
	return secretbox.Seal(dst, plaintext, &nonce, &c.key), nil
}

// Decrypt verifies and opens a ciphertext produced by Encrypt under the same key.
// A ciphertext too short to hold a nonce and authenticator fails with
// ErrMalformedInput; any modification, or a different key, fails with
// ErrAuthenticationFailed.
func (c *SessionCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, prefixError(ErrMalformedInput, "ciphertext of %d bytes, need at least %d", len(ciphertext), Overhead)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
