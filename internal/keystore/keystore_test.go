package keystore

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/fault"
)

func fastOpts(path string) Options {
	return Options{
		Path:             path,
		Passphrase:       "correct horse",
		KeyBits:          enc.MinRSABits,
		MACIterations:    1000,
		ScryptWorkFactor: 10,
	}
}

func newMemStore(t *testing.T) *Store {
	t.Helper()
	priv, err := enc.GenerateRSAKey(enc.MinRSABits)
	require.NoError(t, err)
	master := make([]byte, MasterSecretSize)
	_, _ = rand.Read(master)
	s, err := New(priv, master, Options{MACIterations: 1000})
	require.NoError(t, err)
	return s
}

func TestOpenCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "keystore.age")

	s1, err := Open(fastOpts(path))
	require.NoError(t, err)
	assert.True(t, s1.Created())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s2, err := Open(fastOpts(path))
	require.NoError(t, err)
	assert.False(t, s2.Created())
	assert.True(t, s1.PublicKey().Equal(s2.PublicKey()))

	k1, err := s1.DeriveMacKey("acct", "a@example.com")
	require.NoError(t, err)
	k2, err := s2.DeriveMacKey("acct", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "mac keys must survive a reload")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must be cleaned up")
}

func TestOpenWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.age")
	_, err := Open(fastOpts(path))
	require.NoError(t, err)

	opts := fastOpts(path)
	opts.Passphrase = "wrong"
	_, err = Open(opts)
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestOpenConcurrentInitializersAgree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.age")
	const n = 4

	stores := make([]*Store, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stores[i], errs[i] = Open(fastOpts(path))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if stores[i].Created() {
			created++
		}
	}
	assert.Equal(t, 1, created)

	onDisk, err := Open(fastOpts(path))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		assert.True(t, onDisk.PublicKey().Equal(stores[i].PublicKey()), "initializer %d disagrees with the file on disk", i)
	}
}

func TestWrapUnwrap(t *testing.T) {
	s := newMemStore(t)
	key, err := enc.NewContentKey()
	require.NoError(t, err)

	wrapped, err := s.Wrap(key, s.PublicKey())
	require.NoError(t, err)
	got, err := s.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = s.Wrap(key[:16], s.PublicKey())
	assert.ErrorIs(t, err, fault.ErrCrypto)

	wrapped[len(wrapped)-1] ^= 1
	_, err = s.Unwrap(wrapped)
	assert.ErrorIs(t, err, fault.ErrCrypto)
}

func TestRewrapForConsumer(t *testing.T) {
	s := newMemStore(t)
	consumer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, _ := enc.NewContentKey()
	forServer, err := s.Wrap(key, s.PublicKey())
	require.NoError(t, err)
	unwrapped, err := s.Unwrap(forServer)
	require.NoError(t, err)
	forConsumer, err := s.Wrap(unwrapped, &consumer.PublicKey)
	require.NoError(t, err)

	got, err := enc.RSAOAEP.Decrypt(consumer, forConsumer)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = enc.RSAOAEP.Decrypt(other, forConsumer)
	assert.ErrorIs(t, err, fault.ErrCrypto)

	// a key wrapped for someone else is useless to the server too
	_, err = s.Unwrap(forConsumer)
	assert.ErrorIs(t, err, fault.ErrCrypto)
}

func TestUnwrapRejectsWrongSize(t *testing.T) {
	s := newMemStore(t)
	wrapped, err := enc.RSAOAEP.Encrypt(s.PublicKey(), []byte("short"))
	require.NoError(t, err)
	_, err = s.Unwrap(wrapped)
	assert.ErrorIs(t, err, fault.ErrCrypto)
}

func TestDeriveMacKey(t *testing.T) {
	s := newMemStore(t)

	a, err := s.DeriveMacKey("owner-1", "Owner@Example.com")
	require.NoError(t, err)
	assert.Len(t, a, 32)

	b, err := s.DeriveMacKey("owner-1", "owner@example.com ")
	require.NoError(t, err)
	assert.Equal(t, a, b, "email is case and whitespace insensitive")

	c, err := s.DeriveMacKey("owner-2", "owner@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// the separator keeps ("ab","c") and ("a","bc") apart
	d1, _ := s.DeriveMacKey("ab", "c@x")
	d2, _ := s.DeriveMacKey("a", "bc@x")
	assert.NotEqual(t, d1, d2)

	_, err = s.DeriveMacKey("owner-1", "")
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = s.DeriveMacKey("", "x@y")
	assert.ErrorIs(t, err, fault.ErrValidation)

	other := newMemStore(t)
	e, _ := other.DeriveMacKey("owner-1", "owner@example.com")
	assert.NotEqual(t, a, e, "mac keys depend on the master secret")
}

func TestCapability(t *testing.T) {
	s := newMemStore(t)
	payload := []byte("video|consumer|2030-01-01T00:00:00Z")
	sig := s.SignCapability(payload)
	assert.True(t, s.VerifyCapability(payload, sig))

	tampered := append([]byte(nil), payload...)
	tampered[0] = 'V'
	assert.False(t, s.VerifyCapability(tampered, sig))
	assert.False(t, s.VerifyCapability(payload, sig[:10]))
	assert.False(t, newMemStore(t).VerifyCapability(payload, sig))
}

func TestSecretsNeverFormatted(t *testing.T) {
	s := newMemStore(t)
	out := fmt.Sprintf("%v %+v %#v %s %v", s, s, s, s, *s)

	assert.NotContains(t, out, "PRIVATE KEY")
	assert.NotContains(t, out, hex.EncodeToString(s.master))
	assert.NotContains(t, out, base64.StdEncoding.EncodeToString(s.master))
	assert.NotContains(t, out, s.priv.D.String())
	assert.True(t, strings.Contains(out, "fingerprint"))
}

func TestResealPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.age")
	orig, err := Open(fastOpts(path))
	require.NoError(t, err)

	require.NoError(t, Reseal(path, Unlock{Passphrase: "correct horse"}, Unlock{Passphrase: "battery staple"}, 10))

	_, err = Open(fastOpts(path))
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	opts := fastOpts(path)
	opts.Passphrase = "battery staple"
	reloaded, err := Open(opts)
	require.NoError(t, err)
	assert.True(t, orig.PublicKey().Equal(reloaded.PublicKey()))

	assert.ErrorIs(t, Reseal(path, Unlock{Passphrase: "nope"}, Unlock{Passphrase: "x"}, 10), ErrWrongPassphrase)
	assert.Error(t, Reseal(path, Unlock{Passphrase: "battery staple"}, Unlock{}, 10))
}

func identityOpts(t *testing.T, path string) Options {
	t.Helper()
	idPath := filepath.Join(t.TempDir(), "keystore.key")
	_, err := enc.WriteAgeIdentityFile(idPath)
	require.NoError(t, err)
	opts := fastOpts(path)
	opts.Passphrase = ""
	opts.AgeIdentity = idPath
	return opts
}

func TestOpenWithAgeIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.age")
	opts := identityOpts(t, path)

	s1, err := Open(opts)
	require.NoError(t, err)
	assert.True(t, s1.Created())

	s2, err := Open(opts)
	require.NoError(t, err)
	assert.False(t, s2.Created())
	assert.True(t, s1.PublicKey().Equal(s2.PublicKey()))

	_, err = Open(fastOpts(path))
	assert.ErrorIs(t, err, ErrWrongPassphrase, "an identity-sealed file does not open with a passphrase")

	other := identityOpts(t, path)
	_, err = Open(other)
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	missing := opts
	missing.AgeIdentity = filepath.Join(t.TempDir(), "missing.key")
	_, err = Open(missing)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWrongPassphrase)

	both := opts
	both.Passphrase = "correct horse"
	_, err = Open(both)
	assert.Error(t, err)
}

func TestResealToAgeIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.age")
	orig, err := Open(fastOpts(path))
	require.NoError(t, err)

	opts := identityOpts(t, path)
	require.NoError(t, Reseal(path, Unlock{Passphrase: "correct horse"}, Unlock{AgeIdentity: opts.AgeIdentity}, 0))

	reloaded, err := Open(opts)
	require.NoError(t, err)
	assert.True(t, orig.PublicKey().Equal(reloaded.PublicKey()))
	_, err = Open(fastOpts(path))
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	// and back to a passphrase
	require.NoError(t, Reseal(path, Unlock{AgeIdentity: opts.AgeIdentity}, Unlock{Passphrase: "correct horse"}, 10))
	_, err = Open(fastOpts(path))
	require.NoError(t, err)
}

func TestSealedFileHidesSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.age")
	s, err := Open(fastOpts(path))
	require.NoError(t, err)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("-----BEGIN AGE ENCRYPTED FILE-----")))
	assert.False(t, bytes.Contains(b, []byte("PRIVATE KEY")))
	assert.False(t, bytes.Contains(b, []byte(base64.StdEncoding.EncodeToString(s.master))))
}
