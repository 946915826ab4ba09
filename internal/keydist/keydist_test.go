package keydist

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebluefowl/reelvault/internal/audit"
	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/envelope"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/keystore"
	"github.com/thebluefowl/reelvault/internal/ledger"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/store/badgerstore"
	"github.com/thebluefowl/reelvault/internal/store/storetest"
)

var (
	ownerA    = identity.Principal{UserID: "owner-a", Role: identity.RoleAdmin}
	consumerC = identity.Principal{UserID: "consumer-c", Role: identity.RoleUser}
)

type env struct {
	svc    *Service
	st     *badgerstore.Store
	keys   *keystore.Store
	ledger *ledger.Service
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	st, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	priv, err := enc.GenerateRSAKey(enc.MinRSABits)
	require.NoError(t, err)
	master := make([]byte, keystore.MasterSecretSize)
	_, _ = rand.Read(master)
	keys, err := keystore.New(priv, master, keystore.Options{MACIterations: 1000})
	require.NoError(t, err)

	l := ledger.New(st, ledger.Options{})
	rec := audit.NewRecorder(st, audit.Options{})
	t.Cleanup(func() { rec.Close(context.Background()) })

	return &env{svc: New(keys, st, l, rec, opts), st: st, keys: keys, ledger: l}
}

// seal stores a sealed video for owner and returns its id and ciphertext.
func (e *env) seal(t *testing.T, owner string, plaintext []byte) (string, []byte) {
	t.Helper()
	ctx := context.Background()
	suite := enc.DefaultSuite()

	v := storetest.NewVideo(owner)
	require.NoError(t, e.st.CreateVideo(ctx, v))

	key, err := enc.NewContentKey()
	require.NoError(t, err)
	params, err := enc.NewAEADParams(suite.AEAD.Algorithm())
	require.NoError(t, err)
	var ct bytes.Buffer
	res, err := suite.SealStream(&ct, bytes.NewReader(plaintext), key, params, int64(len(plaintext)))
	require.NoError(t, err)
	wrapped, err := e.keys.Wrap(key, e.keys.PublicKey())
	require.NoError(t, err)

	rec := &envelope.Record{
		VideoID:    v.ID,
		WrappedKey: wrapped,
		Nonce:      res.Params.Nonce,
		Tag:        res.Params.Tag,
		MAC:        make([]byte, 32),
		PlainSHA:   res.PlainSHA[:],
		Version:    envelope.VersionFor(suite),
	}
	require.NoError(t, e.st.CompleteVideo(ctx, v.ID, res.TotalPlain, rec))
	return v.ID, ct.Bytes()
}

func (e *env) approve(t *testing.T, videoID string, consumer identity.Principal, maxAccesses int64) *ledger.Grant {
	t.Helper()
	ctx := context.Background()
	g, err := e.ledger.RequestAccess(ctx, consumer, videoID, "needed for review")
	require.NoError(t, err)
	g, err = e.ledger.Approve(ctx, ownerA, g.ID, &maxAccesses, nil)
	require.NoError(t, err)
	return g
}

func (e *env) logFor(t *testing.T, videoID, consumer string) []models.AccessLogEntry {
	t.Helper()
	entries, err := e.st.ListAccessLog(context.Background(), models.AccessLogFilter{VideoID: videoID, ConsumerID: consumer})
	require.NoError(t, err)
	return entries
}

func consumerKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey, err := enc.MarshalPublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	return priv, pemKey
}

func decrypt(t *testing.T, priv *rsa.PrivateKey, pkg *KeyPackage, ciphertext []byte) []byte {
	t.Helper()
	key, err := enc.RSAOAEP.Decrypt(priv, pkg.WrappedKeyForConsumer)
	require.NoError(t, err)
	suite, err := enc.NewSuite(pkg.Algorithm)
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = suite.OpenStream(&out, bytes.NewReader(ciphertext), key, enc.AEADParams{Algorithm: pkg.Algorithm, Nonce: pkg.Nonce, Tag: pkg.Tag}, int64(len(ciphertext)))
	require.NoError(t, err)
	return out.Bytes()
}

func TestOwnerAndConsumerScenario(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	plaintext := make([]byte, 1_000_000)
	_, _ = rand.Read(plaintext)
	videoID, ciphertext := e.seal(t, ownerA.UserID, plaintext)

	cpriv, cpub := consumerKey(t)
	grant := e.approve(t, videoID, consumerC, 2)

	for i := 0; i < 2; i++ {
		pkg, err := e.svc.GetKeyPackage(ctx, consumerC, videoID, cpub)
		require.NoError(t, err, "access %d", i+1)
		assert.Equal(t, plaintext, decrypt(t, cpriv, pkg, ciphertext))
		assert.True(t, e.svc.ValidateToken(pkg.Token, videoID, consumerC.UserID))
	}

	_, err := e.svc.GetKeyPackage(ctx, consumerC, videoID, cpub)
	assert.ErrorIs(t, err, fault.ErrAccessDenied, "third access exceeds the limit")

	_, err = e.ledger.Revoke(ctx, ownerA, grant.ID)
	require.NoError(t, err)
	assert.False(t, e.ledger.CheckEffectiveAccess(ctx, videoID, consumerC.UserID))
	_, err = e.svc.GetKeyPackage(ctx, consumerC, videoID, cpub)
	assert.ErrorIs(t, err, fault.ErrAccessDenied)

	entries := e.logFor(t, videoID, consumerC.UserID)
	require.Len(t, entries, 4, "one entry per decision")
	assert.True(t, entries[0].Success)
	assert.True(t, entries[1].Success)
	assert.False(t, entries[2].Success)
	assert.False(t, entries[3].Success)

	g, err := e.ledger.Get(ctx, consumerC, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.AccessCount)
}

func TestOwnerBypassIsLoggedNotCounted(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	videoID, ciphertext := e.seal(t, ownerA.UserID, []byte("owner footage"))
	opriv, opub := consumerKey(t)

	for i := 0; i < 3; i++ {
		pkg, err := e.svc.GetKeyPackage(ctx, ownerA, videoID, opub)
		require.NoError(t, err)
		assert.Equal(t, []byte("owner footage"), decrypt(t, opriv, pkg, ciphertext))
	}

	entries := e.logFor(t, videoID, ownerA.UserID)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		assert.True(t, entry.Success)
		assert.JSONEq(t, `{"owner":true}`, string(entry.Detail))
	}
	perms, err := e.st.ListPermissions(ctx, models.PermissionFilter{VideoIDs: []string{videoID}})
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestConcurrentRequestsRespectLimit(t *testing.T) {
	const limit = 5
	e := newEnv(t, Options{Timeout: 30 * time.Second})
	videoID, _ := e.seal(t, ownerA.UserID, []byte("limited"))
	_, cpub := consumerKey(t)
	grant := e.approve(t, videoID, consumerC, limit)

	var wg sync.WaitGroup
	errs := make([]error, limit+5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.GetKeyPackage(context.Background(), consumerC, videoID, cpub)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, fault.ErrAccessDenied)
	}
	assert.Equal(t, limit, ok)

	g, err := e.ledger.Get(context.Background(), consumerC, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), g.AccessCount)
	assert.Len(t, e.logFor(t, videoID, consumerC.UserID), limit+5)
}

func TestGetKeyPackageFailures(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	videoID, _ := e.seal(t, ownerA.UserID, []byte("x"))
	_, cpub := consumerKey(t)

	processing := storetest.NewVideo(ownerA.UserID)
	require.NoError(t, e.st.CreateVideo(ctx, processing))

	tests := []struct {
		name    string
		p       identity.Principal
		video   string
		key     string
		wantErr error
	}{
		{"bad key", consumerC, videoID, "not a key", fault.ErrValidation},
		{"missing video", consumerC, "missing", cpub, fault.ErrNotFound},
		{"processing video", ownerA, processing.ID, cpub, fault.ErrNotFound},
		{"no permission", consumerC, videoID, cpub, fault.ErrAccessDenied},
		{"no principal", identity.Principal{}, videoID, cpub, fault.ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(e.logFor(t, tt.video, tt.p.UserID))
			_, err := e.svc.GetKeyPackage(ctx, tt.p, tt.video, tt.key)
			assert.ErrorIs(t, err, tt.wantErr)
			after := e.logFor(t, tt.video, tt.p.UserID)
			require.Len(t, after, before+1)
			assert.False(t, after[len(after)-1].Success)
		})
	}
}

func TestGetKeyPackageTimeout(t *testing.T) {
	e := newEnv(t, Options{})
	videoID, _ := e.seal(t, ownerA.UserID, []byte("x"))
	_, cpub := consumerKey(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := e.svc.GetKeyPackage(ctx, ownerA, videoID, cpub)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, fault.ErrInternal)
	assert.Len(t, e.logFor(t, videoID, ownerA.UserID), 1)
}

func TestKeyPackageJSON(t *testing.T) {
	e := newEnv(t, Options{TokenTTL: 10 * time.Minute})
	videoID, _ := e.seal(t, ownerA.UserID, []byte("x"))
	_, opub := consumerKey(t)

	pkg, err := e.svc.GetKeyPackage(context.Background(), ownerA, videoID, opub)
	require.NoError(t, err)
	assert.WithinDuration(t, pkg.GeneratedAt.Add(10*time.Minute), pkg.ExpiresAt, time.Second)

	b, err := json.Marshal(pkg)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{"wrappedKeyForConsumer", "nonce", "tag", "algorithm", "token", "generatedAt", "expiresAt"} {
		assert.Contains(t, m, k)
	}
	assert.Equal(t, enc.AESGCM.Algorithm(), m["algorithm"])
	_, err = time.Parse(time.RFC3339, m["expiresAt"].(string))
	assert.NoError(t, err)
}
