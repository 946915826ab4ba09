// Package enc holds the cryptographic primitives used by reelvault.
//
// Each capability (AEAD, asymmetric cipher, keyed hash, hash, KDF) is a narrow
// interface with one concrete implementation. A Suite bundles them and is
// injected into the components that need it. All implementations are
// stateless and safe for concurrent use.
package enc

import (
	"crypto/rsa"
	"fmt"
	"hash"
)

const (
	ContentKeySize = 32
	NonceSize      = 12
	TagSize        = 16
)

// AEAD seals and opens a whole message with a detached tag.
type AEAD interface {
	Algorithm() string
	// Seal encrypts plaintext under key and nonce. The plaintext buffer is
	// reused for the ciphertext when it has room, so callers must not read it
	// afterwards.
	Seal(key, nonce, plaintext, aad []byte) (ciphertext, tag []byte, err error)
	// Open authenticates and decrypts. It never returns partial plaintext.
	Open(key, nonce, ciphertext, tag, aad []byte) ([]byte, error)
}

// AsymmetricCipher wraps short secrets (content keys) for a key holder.
type AsymmetricCipher interface {
	Algorithm() string
	Encrypt(pub *rsa.PublicKey, msg []byte) ([]byte, error)
	Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error)
}

// KeyedHash is a MAC.
type KeyedHash interface {
	Algorithm() string
	New(key []byte) hash.Hash
	Sum(key, data []byte) []byte
	// Equal compares two MACs in constant time.
	Equal(a, b []byte) bool
}

// Hash is an unkeyed digest.
type Hash interface {
	Algorithm() string
	New() hash.Hash
	Size() int
}

// KDF stretches a secret into key material.
type KDF interface {
	Algorithm() string
	Derive(secret, salt []byte, iterations, keyLen int) []byte
}

// Suite is the set of primitives a deployment uses.
type Suite struct {
	AEAD       AEAD
	Asymmetric AsymmetricCipher
	MAC        KeyedHash
	Hash       Hash
	KDF        KDF
}

// DefaultSuite is AES-256-GCM, RSA-OAEP-SHA256, HMAC-SHA256, SHA-256 and
// PBKDF2-HMAC-SHA256. Browsers can consume all of it through WebCrypto.
func DefaultSuite() Suite {
	return Suite{
		AEAD:       AESGCM,
		Asymmetric: RSAOAEP,
		MAC:        HMACSHA256,
		Hash:       SHA256,
		KDF:        PBKDF2SHA256,
	}
}

// NewSuite returns DefaultSuite with the AEAD selected by name.
func NewSuite(aeadAlgorithm string) (Suite, error) {
	s := DefaultSuite()
	switch aeadAlgorithm {
	case "", AESGCM.Algorithm():
	case ChaCha20Poly1305.Algorithm():
		s.AEAD = ChaCha20Poly1305
	default:
		return Suite{}, fmt.Errorf("enc: unsupported aead %q", aeadAlgorithm)
	}
	return s, nil
}

// Zero overwrites b. Used for content keys once they are no longer needed.
func Zero(b []byte) {
	clear(b)
}
