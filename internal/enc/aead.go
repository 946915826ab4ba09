package enc

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/thebluefowl/reelvault/internal/fault"
)

var (
	ErrEmptyInput    = fmt.Errorf("%w: empty input", fault.ErrValidation)
	ErrInputTooLarge = fmt.Errorf("%w: input exceeds size limit", fault.ErrValidation)
	ErrAuthFailed    = fmt.Errorf("%w: message authentication failed", fault.ErrCrypto)
)

var (
	AESGCM           AEAD = stdAEAD{name: "AES-256-GCM", newCipher: newGCM}
	ChaCha20Poly1305 AEAD = stdAEAD{name: "CHACHA20-POLY1305", newCipher: chacha20poly1305.New}
)

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// stdAEAD adapts a cipher.AEAD constructor with a 12-byte nonce and 16-byte tag.
type stdAEAD struct {
	name      string
	newCipher func(key []byte) (cipher.AEAD, error)
}

func (a stdAEAD) Algorithm() string { return a.name }

func (a stdAEAD) init(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != ContentKeySize {
		return nil, fmt.Errorf("%w: aead key must be %d bytes", fault.ErrCrypto, ContentKeySize)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: aead nonce must be %d bytes", fault.ErrCrypto, NonceSize)
	}
	c, err := a.newCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aead init", fault.ErrCrypto)
	}
	if c.NonceSize() != NonceSize || c.Overhead() != TagSize {
		return nil, fmt.Errorf("%w: aead parameters", fault.ErrCrypto)
	}
	return c, nil
}

func (a stdAEAD) Seal(key, nonce, plaintext, aad []byte) ([]byte, []byte, error) {
	c, err := a.init(key, nonce)
	if err != nil {
		return nil, nil, err
	}
	sealed := c.Seal(plaintext[:0], nonce, plaintext, aad)
	n := len(sealed) - TagSize
	return sealed[:n:n], sealed[n:], nil
}

func (a stdAEAD) Open(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	c, err := a.init(key, nonce)
	if err != nil {
		return nil, err
	}
	if len(tag) != TagSize {
		return nil, ErrAuthFailed
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	pt, err := c.Open(sealed[:0], nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// AEADParams describes one sealed object. A fresh nonce is drawn for every
// object; a nonce is never reused with the same content key.
type AEADParams struct {
	Algorithm string
	Nonce     []byte
	Tag       []byte
}

type AEADResult struct {
	Params     AEADParams
	PlainSHA   [32]byte
	TotalPlain int64
}

// NewAEADParams draws a random nonce for algorithm.
func NewAEADParams(algorithm string) (AEADParams, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return AEADParams{}, fmt.Errorf("aead: nonce gen: %w", err)
	}
	return AEADParams{Algorithm: algorithm, Nonce: n}, nil
}

// NewContentKey draws a fresh random content key.
func NewContentKey() ([]byte, error) {
	k := make([]byte, ContentKeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("aead: key gen: %w", err)
	}
	return k, nil
}

// SealStream reads src exactly once, hashing the plaintext while buffering it,
// seals it under key and writes the ciphertext (same length as the plaintext)
// to dst. The tag is returned in the result params. Inputs longer than limit
// bytes are rejected.
func (s Suite) SealStream(dst io.Writer, src io.Reader, key []byte, p AEADParams, limit int64) (res *AEADResult, err error) {
	if limit <= 0 {
		return nil, fmt.Errorf("aead: invalid limit %d", limit)
	}
	h := s.Hash.New()
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.TeeReader(upTo(src, limit), h))
	if err != nil {
		return nil, fmt.Errorf("%w: aead read: %w", fault.ErrIO, err)
	}
	switch {
	case n == 0:
		return nil, ErrEmptyInput
	case n > limit:
		return nil, ErrInputTooLarge
	}

	ct, tag, err := s.AEAD.Seal(key, p.Nonce, buf.Bytes(), nil)
	if err != nil {
		return nil, err
	}

	bw := bufio.NewWriter(dst)
	if _, err := bw.Write(ct); err != nil {
		return nil, fmt.Errorf("%w: aead write: %w", fault.ErrIO, err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: aead flush: %w", fault.ErrIO, err)
	}

	res = &AEADResult{TotalPlain: n}
	res.Params = AEADParams{Algorithm: s.AEAD.Algorithm(), Nonce: p.Nonce, Tag: append([]byte(nil), tag...)}
	copy(res.PlainSHA[:], h.Sum(nil))
	return res, nil
}

// OpenStream reads the whole ciphertext from src, authenticates and decrypts
// it, and writes the plaintext to dst only after authentication succeeded.
func (s Suite) OpenStream(dst io.Writer, src io.Reader, key []byte, p AEADParams, limit int64) (*AEADResult, error) {
	if p.Algorithm != "" && p.Algorithm != s.AEAD.Algorithm() {
		return nil, fmt.Errorf("%w: aead algorithm mismatch", fault.ErrCrypto)
	}
	var buf bytes.Buffer
	n, err := buf.ReadFrom(upTo(src, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: aead read: %w", fault.ErrIO, err)
	}
	if n > limit {
		return nil, ErrInputTooLarge
	}

	pt, err := s.AEAD.Open(key, p.Nonce, buf.Bytes(), p.Tag, nil)
	if err != nil {
		return nil, err
	}

	h := s.Hash.New()
	h.Write(pt)
	bw := bufio.NewWriter(dst)
	if _, err := bw.Write(pt); err != nil {
		return nil, fmt.Errorf("%w: aead write: %w", fault.ErrIO, err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: aead flush: %w", fault.ErrIO, err)
	}

	res := &AEADResult{Params: p, TotalPlain: int64(len(pt))}
	copy(res.PlainSHA[:], h.Sum(nil))
	return res, nil
}

// upTo yields at most limit+1 bytes of src, enough to tell an input over the
// limit apart from one exactly at it.
func upTo(src io.Reader, limit int64) io.Reader {
	if limit >= math.MaxInt64 {
		return src
	}
	return io.LimitReader(src, limit+1)
}

func VerifySHA256(a, b [32]byte) bool { return hmac.Equal(a[:], b[:]) }

// IsAuthFailure reports whether err came from a failed authentication check.
func IsAuthFailure(err error) bool { return errors.Is(err, ErrAuthFailed) }
