package enc

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

var (
	HMACSHA256   KeyedHash = hmacSHA256{}
	SHA256       Hash      = sha256Hash{}
	PBKDF2SHA256 KDF       = pbkdf2SHA256{}
)

type hmacSHA256 struct{}

func (hmacSHA256) Algorithm() string { return "HMAC-SHA256" }

func (hmacSHA256) New(key []byte) hash.Hash { return hmac.New(sha256.New, key) }

func (h hmacSHA256) Sum(key, data []byte) []byte {
	m := h.New(key)
	m.Write(data)
	return m.Sum(nil)
}

func (hmacSHA256) Equal(a, b []byte) bool { return hmac.Equal(a, b) }

type sha256Hash struct{}

func (sha256Hash) Algorithm() string { return "SHA-256" }
func (sha256Hash) New() hash.Hash    { return sha256.New() }
func (sha256Hash) Size() int         { return sha256.Size }

type pbkdf2SHA256 struct{}

func (pbkdf2SHA256) Algorithm() string { return "PBKDF2-HMAC-SHA256" }

func (pbkdf2SHA256) Derive(secret, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(secret, salt, iterations, keyLen, sha256.New)
}

// DeriveSubkey expands masterKey into a 32-byte key bound to info.
func DeriveSubkey(masterKey []byte, info string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("hkdf: masterKey empty")
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	k := make([]byte, 32)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return k, nil
}
