package enc

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/thebluefowl/reelvault/internal/fault"
)

const (
	DefaultRSABits = 3072
	MinRSABits     = 2048
)

var ErrInvalidPublicKey = fmt.Errorf("%w: invalid public key", fault.ErrValidation)

// RSAOAEP is RSA-OAEP with SHA-256 for both the hash and MGF1.
var RSAOAEP AsymmetricCipher = rsaOAEP{}

type rsaOAEP struct{}

func (rsaOAEP) Algorithm() string { return "RSA-OAEP-SHA256" }

func (rsaOAEP) Encrypt(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	if pub == nil || pub.N == nil || pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: unusable recipient key", fault.ErrCrypto)
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: oaep encrypt", fault.ErrCrypto)
	}
	return out, nil
}

func (rsaOAEP) Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key", fault.ErrCrypto)
	}
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: oaep decrypt", fault.ErrCrypto)
	}
	return out, nil
}

// GenerateRSAKey generates a keypair of the given size.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultRSABits
	}
	if bits < MinRSABits {
		return nil, fmt.Errorf("rsa: %d bits is below the %d bit minimum", bits, MinRSABits)
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("rsa: generate: %w", err)
	}
	return k, nil
}

// ParsePublicKey accepts a PEM block ("PUBLIC KEY" or "RSA PUBLIC KEY") or
// base64 of SPKI / PKCS#1 DER, which is what WebCrypto exportKey("spki") gives.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidPublicKey
	}

	var der []byte
	if strings.HasPrefix(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, ErrInvalidPublicKey
		}
		der = block.Bytes
	} else {
		var err error
		for _, e := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if der, err = e.DecodeString(s); err == nil {
				break
			}
		}
		if err != nil {
			return nil, ErrInvalidPublicKey
		}
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		rk, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		return checkSize(rk)
	}
	rk, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return checkSize(rk)
}

func checkSize(k *rsa.PublicKey) (*rsa.PublicKey, error) {
	if k.N.BitLen() < MinRSABits {
		return nil, ErrInvalidPublicKey
	}
	return k, nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("rsa: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// MarshalPrivateKeyPEM encodes priv as a PKCS#8 "PRIVATE KEY" block.
func MarshalPrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("rsa: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM accepts PKCS#8 or PKCS#1.
func ParsePrivateKeyPEM(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("rsa: no PEM block")
	}
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("rsa: not an RSA key")
		}
		return rk, nil
	}
	rk, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("rsa: unparseable private key")
	}
	return rk, nil
}
