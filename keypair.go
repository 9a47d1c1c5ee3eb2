package cipherlink

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/xerrors"
)

// PublicKey is a 32-byte curve25519 public key.
type PublicKey []byte

// String returns a base64-raw-url-encoded version of the public key.
func (k PublicKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k)
}

// KeyPair is a curve25519 key pair. Tunnels currently only use a pre-shared key;
// key pairs are meant for a key exchange that replaces it.
type KeyPair struct {
	private [32]byte
	Public  PublicKey
}

// NewKeyPair generates a new key pair from random, or crypto/rand if nil.
func NewKeyPair(random io.Reader) (*KeyPair, error) {
	if random == nil {
		random = rand.Reader
	}
	key, err := noise.DH25519.GenerateKeypair(random)
	if err != nil {
		return nil, xerrors.Errorf("generating key pair: %w", err)
	}
	return KeyPairFromPrivate(key.Private)
}

// KeyPairFromPrivate derives the key pair for a 32-byte private key.
func KeyPairFromPrivate(private []byte) (*KeyPair, error) {
	if len(private) != 32 {
		return nil, prefixError(ErrInvalidKeySize, "private key of %d bytes, expected 32", len(private))
	}
	kp := &KeyPair{}
	copy(kp.private[:], private)
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &kp.private)
	kp.Public = PublicKey(pub[:])
	return kp, nil
}

// PrivateBytes returns a copy of the private key.
func (kp *KeyPair) PrivateBytes() []byte {
	return append([]byte{}, kp.private[:]...)
}

// SharedBox returns a box for messages between kp and the owner of peer. Both
// sides derive the same box from their own key pair and the other's public key.
func (kp *KeyPair) SharedBox(peer PublicKey) (*SharedBox, error) {
	if len(peer) != 32 {
		return nil, prefixError(ErrInvalidKeySize, "public key of %d bytes, expected 32", len(peer))
	}
	var peerKey [32]byte
	copy(peerKey[:], peer)
	b := &SharedBox{random: rand.Reader}
	box.Precompute(&b.shared, &peerKey, &kp.private)
	return b, nil
}

// SharedBox encrypts with a key precomputed from a key pair and a peer's public
// key. Like SessionCipher, sealed messages start with their random nonce.
type SharedBox struct {
	shared [32]byte
	random io.Reader
}

// Seal encrypts message and returns nonce || box.
func (b *SharedBox) Seal(message []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(b.random, nonce[:]); err != nil {
		return nil, xerrors.Errorf("reading nonce: %w", err)
	}
	out := make([]byte, NonceSize, Overhead+len(message))
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, message, &nonce, &b.shared), nil
}

// Open authenticates and decrypts a message sealed by the peer's SharedBox.
func (b *SharedBox) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, prefixError(ErrMalformedInput, "sealed message of %d bytes, need at least %d", len(sealed), Overhead)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	message, ok := box.OpenAfterPrecomputation(nil, sealed[NonceSize:], &nonce, &b.shared)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return message, nil
}
