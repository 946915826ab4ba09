// Package keystore holds the server's long-term secrets: the RSA keypair that
// wraps content keys and the master secret from which MAC and capability
// keys are derived. Both are sealed at rest with age, under a passphrase or
// an X25519 identity.
//
// Nothing in this package returns, logs or formats the private key or the
// master secret.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/fault"
)

const (
	MasterSecretSize     = 64
	DefaultMACIterations = 100_000
	macKeySize           = 32
	macSaltLabel         = "reelvault/mac/v1"
	capabilityInfo       = "reelvault/capability/v1"
	fileVersion          = 1
)

var (
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase, wrong identity or corrupt file")
	ErrCorrupt         = errors.New("keystore: invalid keystore file")
)

// Unlock is the secret the keystore file is sealed under: a passphrase, or
// an age X25519 identity given as "AGE-SECRET-KEY-1..." or an identity file
// path. Exactly one is set.
type Unlock struct {
	Passphrase  string
	AgeIdentity string
}

func (u Unlock) validate() error {
	if (u.Passphrase == "") == (u.AgeIdentity == "") {
		return errors.New("keystore: exactly one of passphrase or age identity required")
	}
	return nil
}

func (u Unlock) encryptConfig(workFactor int) (enc.EncryptConfig, error) {
	if u.Passphrase != "" {
		return enc.EncryptConfig{Passphrase: u.Passphrase, WorkFactor: workFactor, Armor: true}, nil
	}
	rcpts, err := enc.AgeRecipients([]string{u.AgeIdentity})
	if err != nil {
		return enc.EncryptConfig{}, fmt.Errorf("keystore: %w", err)
	}
	return enc.EncryptConfig{Recipients: rcpts, Armor: true}, nil
}

func (u Unlock) decryptConfig() enc.DecryptConfig {
	if u.Passphrase != "" {
		return enc.DecryptConfig{Passphrase: u.Passphrase}
	}
	return enc.DecryptConfig{Identities: []string{u.AgeIdentity}}
}

type Options struct {
	Path       string
	Passphrase string
	// AgeIdentity seals the file to an X25519 identity instead of a
	// passphrase.
	AgeIdentity string
	// KeyBits sizes a newly generated RSA key. 0 means enc.DefaultRSABits.
	KeyBits int
	// MACIterations is the PBKDF2 work for DeriveMacKey. 0 means
	// DefaultMACIterations.
	MACIterations int
	// ScryptWorkFactor seals a newly created file. 0 means age's default.
	ScryptWorkFactor int
	Suite            *enc.Suite
	Logger           logrus.FieldLogger
}

func (o Options) unlock() Unlock {
	return Unlock{Passphrase: o.Passphrase, AgeIdentity: o.AgeIdentity}
}

func (o *Options) defaults() {
	if o.KeyBits == 0 {
		o.KeyBits = enc.DefaultRSABits
	}
	if o.MACIterations <= 0 {
		o.MACIterations = DefaultMACIterations
	}
	if o.Suite == nil {
		s := enc.DefaultSuite()
		o.Suite = &s
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
}

// Store is immutable after construction and safe for concurrent use.
type Store struct {
	priv          *rsa.PrivateKey
	master        []byte
	capKey        []byte
	suite         enc.Suite
	macIterations int
	created       bool
	log           logrus.FieldLogger
}

type file struct {
	Version      int       `json:"version"`
	PrivateKey   string    `json:"privateKey"`
	MasterSecret []byte    `json:"masterSecret"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Open loads the keystore at opts.Path, creating it when absent. Concurrent
// initializers on one filesystem race through a hard link: exactly one file
// wins and every other caller loads it.
func Open(opts Options) (*Store, error) {
	opts.defaults()
	if opts.Path == "" {
		return nil, errors.New("keystore: path required")
	}
	if err := opts.unlock().validate(); err != nil {
		return nil, err
	}
	if opts.AgeIdentity != "" {
		// a missing or malformed identity is reported as such, not as a
		// failed unseal
		if _, err := enc.AgeRecipients([]string{opts.AgeIdentity}); err != nil {
			return nil, fmt.Errorf("keystore: %w", err)
		}
	}

	b, err := os.ReadFile(opts.Path)
	switch {
	case err == nil:
		return load(b, opts)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("keystore: read %s: %w", opts.Path, err)
	}

	s, sealed, err := generate(opts)
	if err != nil {
		return nil, err
	}
	won, err := publish(opts.Path, sealed)
	if err != nil {
		return nil, err
	}
	if !won {
		opts.Logger.WithField("path", opts.Path).Info("keystore created concurrently, loading existing file")
		b, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("keystore: read %s: %w", opts.Path, err)
		}
		return load(b, opts)
	}
	s.created = true
	opts.Logger.WithFields(logrus.Fields{
		"path":        opts.Path,
		"rsa_bits":    opts.KeyBits,
		"fingerprint": s.Fingerprint(),
	}).Info("keystore created")
	return s, nil
}

// New builds a Store from in-memory material. Used by tests and tooling.
func New(priv *rsa.PrivateKey, master []byte, opts Options) (*Store, error) {
	opts.defaults()
	if priv == nil || priv.N.BitLen() < enc.MinRSABits {
		return nil, fmt.Errorf("%w: rsa key too small", ErrCorrupt)
	}
	if len(master) != MasterSecretSize {
		return nil, fmt.Errorf("%w: master secret must be %d bytes", ErrCorrupt, MasterSecretSize)
	}
	capKey, err := enc.DeriveSubkey(master, capabilityInfo)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	return &Store{
		priv:          priv,
		master:        append([]byte(nil), master...),
		capKey:        capKey,
		suite:         *opts.Suite,
		macIterations: opts.MACIterations,
		log:           opts.Logger.WithField("component", "keystore"),
	}, nil
}

func generate(opts Options) (*Store, []byte, error) {
	priv, err := enc.GenerateRSAKey(opts.KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: %w", err)
	}
	master := make([]byte, MasterSecretSize)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, nil, fmt.Errorf("keystore: master secret: %w", err)
	}
	defer enc.Zero(master)

	s, err := New(priv, master, opts)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := s.seal(opts.unlock(), opts.ScryptWorkFactor)
	if err != nil {
		return nil, nil, err
	}
	return s, sealed, nil
}

func (s *Store) seal(u Unlock, workFactor int) ([]byte, error) {
	cfg, err := u.encryptConfig(workFactor)
	if err != nil {
		return nil, err
	}
	pemKey, err := enc.MarshalPrivateKeyPEM(s.priv)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	raw, err := json.Marshal(file{
		Version:      fileVersion,
		PrivateKey:   string(pemKey),
		MasterSecret: s.master,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: encode: %w", err)
	}
	defer enc.Zero(raw)
	sealed, err := enc.SealBytes(raw, cfg)
	if err != nil {
		return nil, fmt.Errorf("keystore: seal: %w", err)
	}
	return sealed, nil
}

func load(sealed []byte, opts Options) (*Store, error) {
	raw, err := enc.OpenBytes(sealed, opts.unlock().decryptConfig())
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer enc.Zero(raw)

	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, ErrCorrupt
	}
	defer enc.Zero(f.MasterSecret)
	if f.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, f.Version)
	}
	priv, err := enc.ParsePrivateKeyPEM([]byte(f.PrivateKey))
	if err != nil {
		return nil, ErrCorrupt
	}
	return New(priv, f.MasterSecret, opts)
}

// publish writes sealed next to path and hard-links it into place. It
// reports false when another writer got there first.
func publish(path string, sealed []byte) (bool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("keystore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return false, fmt.Errorf("keystore: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(sealed)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, fmt.Errorf("keystore: write temp file: %w", err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("keystore: link %s: %w", path, err)
	}
	return true, nil
}

// Reseal opens the keystore file at path with from and seals it again under
// to, e.g. a new passphrase or a switch to an age identity. The replacement
// is written to a temp file and renamed.
func Reseal(path string, from, to Unlock, workFactor int) error {
	if err := from.validate(); err != nil {
		return err
	}
	if err := to.validate(); err != nil {
		return err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("keystore: read %s: %w", path, err)
	}
	s, err := load(b, Options{Passphrase: from.Passphrase, AgeIdentity: from.AgeIdentity})
	if err != nil {
		return err
	}
	sealed, err := s.seal(to, workFactor)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".keystore-*")
	if err != nil {
		return fmt.Errorf("keystore: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(sealed)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("keystore: write temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("keystore: replace %s: %w", path, err)
	}
	return nil
}

// Created reports whether this Open call generated the keystore.
func (s *Store) Created() bool { return s.created }

func (s *Store) Suite() enc.Suite { return s.suite }

// Wrap encrypts a content key for recipient.
func (s *Store) Wrap(contentKey []byte, recipient *rsa.PublicKey) ([]byte, error) {
	if len(contentKey) != enc.ContentKeySize {
		return nil, fmt.Errorf("%w: content key must be %d bytes", fault.ErrCrypto, enc.ContentKeySize)
	}
	return s.suite.Asymmetric.Encrypt(recipient, contentKey)
}

// Unwrap recovers a content key wrapped for the server key.
func (s *Store) Unwrap(wrapped []byte) ([]byte, error) {
	key, err := s.suite.Asymmetric.Decrypt(s.priv, wrapped)
	if err != nil {
		return nil, err
	}
	if len(key) != enc.ContentKeySize {
		enc.Zero(key)
		return nil, fmt.Errorf("%w: unwrapped key has wrong size", fault.ErrCrypto)
	}
	return key, nil
}

// DeriveMacKey returns the deterministic MAC key of an account.
func (s *Store) DeriveMacKey(accountID, email string) ([]byte, error) {
	if accountID == "" || strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: account id and email required for mac key", fault.ErrValidation)
	}
	h := sha256.New()
	h.Write([]byte(macSaltLabel))
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return s.suite.KDF.Derive(s.master, h.Sum(nil), s.macIterations, macKeySize), nil
}

// SignCapability authenticates payload under the capability subkey.
func (s *Store) SignCapability(payload []byte) []byte {
	return s.suite.MAC.Sum(s.capKey, payload)
}

// VerifyCapability checks sig in constant time.
func (s *Store) VerifyCapability(payload, sig []byte) bool {
	return s.suite.MAC.Equal(s.suite.MAC.Sum(s.capKey, payload), sig)
}

func (s *Store) PublicKey() *rsa.PublicKey { return &s.priv.PublicKey }

func (s *Store) PublicKeyPEM() (string, error) { return enc.MarshalPublicKeyPEM(&s.priv.PublicKey) }

// Fingerprint is the hex SHA-256 of the PKIX public key, shortened.
func (s *Store) Fingerprint() string {
	pemKey, err := s.PublicKeyPEM()
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256([]byte(pemKey))
	return hex.EncodeToString(sum[:8])
}

// String and GoString use value receivers so that printing a Store by value
// is redacted as well.
func (s Store) String() string { return "keystore.Store{fingerprint:" + s.Fingerprint() + "}" }

func (s Store) GoString() string { return s.String() }
