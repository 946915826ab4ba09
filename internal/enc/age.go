package enc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// DefaultScryptWorkFactor matches age's own default (log2 of the scrypt N).
const DefaultScryptWorkFactor = 18

// GenerateAgeKey generates a new age X25519 key pair.
func GenerateAgeKey() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key: %w", err)
	}

	return identity.Recipient().String(), identity.String(), nil
}

// WriteAgeIdentityFile generates an X25519 identity and writes it to path in
// age-keygen format, readable only by its owner. An existing file is never
// replaced. It returns the matching recipient.
func WriteAgeIdentityFile(path string) (string, error) {
	pub, priv, err := GenerateAgeKey()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create identity file: %w", err)
	}
	_, err = fmt.Fprintf(f, "# created: %s\n# public key: %s\n%s\n", time.Now().UTC().Format(time.RFC3339), pub, priv)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write identity file: %w", err)
	}
	return pub, nil
}

// AgeRecipients returns the X25519 recipients of identities, so a payload
// can be sealed to the keys that will open it later.
func AgeRecipients(identities []string) ([]string, error) {
	ids, err := parseIdentities(identities)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		x, ok := id.(*age.X25519Identity)
		if !ok {
			return nil, fmt.Errorf("unsupported identity type %T", id)
		}
		out = append(out, x.Recipient().String())
	}
	return out, nil
}

// EncryptConfig selects passphrase- or key-based encryption.
// Exactly one of Passphrase or Recipients must be provided.
type EncryptConfig struct {
	Passphrase string   // password for scrypt recipient
	WorkFactor int      // scrypt log2(N); 0 uses DefaultScryptWorkFactor
	Recipients []string // age public keys: "age1..." (X25519)
	Armor      bool
}

// DecryptConfig selects passphrase- or key-based decryption.
// Exactly one of Passphrase or Identities must be provided.
type DecryptConfig struct {
	Passphrase    string
	MaxWorkFactor int      // 0 accepts up to DefaultScryptWorkFactor+4
	Identities    []string // "AGE-SECRET-KEY-1..." or paths to identity files
}

// NewEncryptWriter returns a WriteCloser that encrypts plaintext written to it
// and emits age ciphertext to dst. Close finalizes the age stream first and
// then the armor wrapper.
func NewEncryptWriter(dst io.Writer, cfg EncryptConfig) (io.WriteCloser, error) {
	if err := validateEncryptConfig(cfg); err != nil {
		return nil, err
	}

	var rcpts []age.Recipient
	if cfg.Passphrase != "" {
		r, err := age.NewScryptRecipient(cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("age scrypt: %w", err)
		}
		wf := cfg.WorkFactor
		if wf <= 0 {
			wf = DefaultScryptWorkFactor
		}
		r.SetWorkFactor(wf)
		rcpts = append(rcpts, r)
	} else {
		var err error
		if rcpts, err = parseRecipients(cfg.Recipients); err != nil {
			return nil, err
		}
	}

	var out io.Writer = dst
	var closers []io.Closer
	var armorWriter io.WriteCloser
	if cfg.Armor {
		armorWriter = armor.NewWriter(dst)
		out = armorWriter
	}

	wr, err := age.Encrypt(out, rcpts...)
	if err != nil {
		if armorWriter != nil {
			_ = armorWriter.Close()
		}
		return nil, fmt.Errorf("age encrypt: %w", err)
	}

	closers = append(closers, wr)
	if armorWriter != nil {
		closers = append(closers, armorWriter)
	}
	return &multiCloseWriter{Writer: wr, finals: closers}, nil
}

// SealBytes age-encrypts plaintext in memory.
func SealBytes(plaintext []byte, cfg EncryptConfig) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewEncryptWriter(&buf, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("age write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age close: %w", err)
	}
	return buf.Bytes(), nil
}

// NewDecryptReader returns a Reader that yields plaintext from an age
// ciphertext stream, detecting ASCII armor automatically.
func NewDecryptReader(src io.Reader, cfg DecryptConfig) (io.Reader, error) {
	if err := validateDecryptConfig(cfg); err != nil {
		return nil, err
	}

	const armorPrefix = "-----BEGIN AGE ENCRYPTED FILE-----"

	peekBuf := make([]byte, len(armorPrefix))
	n, err := io.ReadFull(src, peekBuf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to peek at input: %w", err)
	}
	src = io.MultiReader(bytes.NewReader(peekBuf[:n]), src)
	if n == len(armorPrefix) && string(peekBuf) == armorPrefix {
		src = armor.NewReader(src)
	}

	if cfg.Passphrase != "" {
		identity, err := age.NewScryptIdentity(cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("age scrypt: %w", err)
		}
		maxWF := cfg.MaxWorkFactor
		if maxWF <= 0 {
			maxWF = DefaultScryptWorkFactor + 4
		}
		identity.SetMaxWorkFactor(maxWF)
		return age.Decrypt(src, identity)
	}
	ids, err := parseIdentities(cfg.Identities)
	if err != nil {
		return nil, err
	}
	return age.Decrypt(src, ids...)
}

// OpenBytes decrypts an in-memory age payload.
func OpenBytes(ciphertext []byte, cfg DecryptConfig) ([]byte, error) {
	r, err := NewDecryptReader(bytes.NewReader(ciphertext), cfg)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age read: %w", err)
	}
	return b, nil
}

func validateEncryptConfig(cfg EncryptConfig) error {
	pass := cfg.Passphrase != ""
	keys := len(cfg.Recipients) > 0
	if pass == keys {
		return errors.New("encryption config: exactly one of Passphrase or Recipients must be set")
	}
	return nil
}

func validateDecryptConfig(cfg DecryptConfig) error {
	pass := cfg.Passphrase != ""
	keys := len(cfg.Identities) > 0
	if pass == keys {
		return errors.New("decryption config: exactly one of Passphrase or Identities must be set")
	}
	return nil
}

func parseRecipients(keys []string) ([]age.Recipient, error) {
	var out []age.Recipient
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		rcpt, err := age.ParseX25519Recipient(k)
		if err != nil {
			return nil, fmt.Errorf("parse recipient: %w", err)
		}
		out = append(out, rcpt)
	}
	if len(out) == 0 {
		return nil, errors.New("no valid recipients provided")
	}
	return out, nil
}

func parseIdentities(keys []string) ([]age.Identity, error) {
	var out []age.Identity
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if strings.HasPrefix(k, "AGE-SECRET-KEY-") {
			id, err := age.ParseX25519Identity(k)
			if err != nil {
				// the key itself must never end up in an error string
				return nil, errors.New("parse identity: malformed secret key")
			}
			out = append(out, id)
			continue
		}
		f, err := os.Open(k)
		if err != nil {
			return nil, fmt.Errorf("open identity file %q: %w", k, err)
		}
		ids, err := age.ParseIdentities(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse identity file %q: %w", k, err)
		}
		out = append(out, ids...)
	}
	if len(out) == 0 {
		return nil, errors.New("no valid identities provided")
	}
	return out, nil
}

type multiCloseWriter struct {
	io.Writer
	finals []io.Closer
}

func (m *multiCloseWriter) Close() error {
	var firstErr error
	for _, c := range m.finals {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
