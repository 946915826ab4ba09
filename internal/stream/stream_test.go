package stream

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebluefowl/reelvault/internal/audit"
	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/ingest"
	"github.com/thebluefowl/reelvault/internal/keydist"
	"github.com/thebluefowl/reelvault/internal/keystore"
	"github.com/thebluefowl/reelvault/internal/ledger"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/storage/local"
	"github.com/thebluefowl/reelvault/internal/store/badgerstore"
)

var (
	owner    = identity.Principal{UserID: "owner-a", Role: identity.RoleAdmin}
	consumer = identity.Principal{UserID: "consumer-c", Role: identity.RoleUser}
)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	streamer   *Streamer
	st         *badgerstore.Store
	ledger     *ledger.Service
	keydist    *keydist.Service
	recorder   *audit.Recorder
	videoID    string
	ciphertext []byte
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	blobs, err := local.New(t.TempDir())
	require.NoError(t, err)

	priv, err := enc.GenerateRSAKey(enc.MinRSABits)
	require.NoError(t, err)
	master := make([]byte, keystore.MasterSecretSize)
	_, _ = rand.Read(master)
	keys, err := keystore.New(priv, master, keystore.Options{MACIterations: 1000})
	require.NoError(t, err)

	require.NoError(t, st.PutAccount(ctx, &models.Account{ID: owner.UserID, Email: "a@example.com", Role: identity.RoleAdmin}))
	plaintext := make([]byte, 1000)
	_, _ = rand.Read(plaintext)
	res, err := ingest.NewSealer(keys, st, blobs, ingest.Options{}).Seal(ctx, owner, bytes.NewReader(plaintext), ingest.SealRequest{Title: "clip"})
	require.NoError(t, err)

	rc, err := blobs.Open(ctx, res.Video.CiphertextKey, 0, -1)
	require.NoError(t, err)
	ciphertext, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()

	rec := audit.NewRecorder(st, audit.Options{})
	l := ledger.New(st, ledger.Options{})
	kd := keydist.New(keys, st, l, rec, keydist.Options{})
	return &fixture{
		streamer:   New(st, blobs, kd, l, rec, Options{}),
		st:         st,
		ledger:     l,
		keydist:    kd,
		recorder:   rec,
		videoID:    res.Video.ID,
		ciphertext: ciphertext,
	}
}

func readAll(t *testing.T, r *Range) []byte {
	t.Helper()
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return b
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		wantStart *int64
		wantEnd   *int64
		wantErr   bool
	}{
		{"", nil, nil, false},
		{"bytes=100-199", ptr(int64(100)), ptr(int64(199)), false},
		{"bytes=100-", ptr(int64(100)), nil, false},
		{"bytes=0-0", ptr(int64(0)), ptr(int64(0)), false},
		{"bytes=-100", ptr(int64(900)), ptr(int64(999)), false},
		{"bytes=-5000", ptr(int64(0)), ptr(int64(999)), false},
		{"bytes=5000-", ptr(int64(5000)), nil, false},
		{"bytes=-0", nil, nil, true},
		{"bytes=200-100", nil, nil, true},
		{"bytes=0-1,5-6", nil, nil, true},
		{"items=0-1", nil, nil, true},
		{"bytes=abc", nil, nil, true},
		{"bytes=a-b", nil, nil, true},
		{"bytes=5--6", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := ParseRange(tt.header, 1000)
			if tt.wantErr {
				assert.ErrorIs(t, err, fault.ErrRangeNotSatisfiable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestOpenRange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	info, err := f.streamer.GetInfo(ctx, f.videoID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.Size)
	assert.Equal(t, models.DefaultContentType, info.ContentType)

	r, err := f.streamer.OpenRange(ctx, f.videoID, ptr(int64(100)), ptr(int64(199)))
	require.NoError(t, err)
	assert.True(t, r.Partial)
	assert.Equal(t, "bytes 100-199/1000", r.ContentRange())
	assert.Equal(t, int64(100), r.Length())
	assert.Equal(t, f.ciphertext[100:200], readAll(t, r))

	r, err = f.streamer.OpenRange(ctx, f.videoID, nil, nil)
	require.NoError(t, err)
	assert.False(t, r.Partial)
	assert.Equal(t, f.ciphertext, readAll(t, r))

	r, err = f.streamer.OpenRange(ctx, f.videoID, ptr(int64(990)), ptr(int64(5000)))
	require.NoError(t, err)
	assert.Equal(t, int64(999), r.End, "end is clamped")
	assert.Equal(t, f.ciphertext[990:], readAll(t, r))

	for _, bad := range [][2]*int64{
		{ptr(int64(1000)), nil},
		{ptr(int64(5000)), ptr(int64(6000))},
		{ptr(int64(-1)), nil},
		{ptr(int64(10)), ptr(int64(5))},
	} {
		_, err := f.streamer.OpenRange(ctx, f.videoID, bad[0], bad[1])
		assert.ErrorIs(t, err, fault.ErrRangeNotSatisfiable)
	}

	_, err = f.streamer.OpenRange(ctx, "missing", nil, nil)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestConcurrentRangesAreIndependent(t *testing.T) {
	f := setup(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := int64(i * 100)
			r, err := f.streamer.OpenRange(context.Background(), f.videoID, &start, ptr(start+99))
			if !assert.NoError(t, err) {
				return
			}
			defer r.Body.Close()
			b, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			assert.Equal(t, f.ciphertext[start:start+100], b)
		}(i)
	}
	wg.Wait()
}

func TestReadsObserveCancellation(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	r, err := f.streamer.OpenRange(ctx, f.videoID, nil, nil)
	require.NoError(t, err)
	defer r.Body.Close()

	cancel()
	_, err = io.ReadAll(r.Body)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthorize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	via, err := f.streamer.Authorize(ctx, owner, f.videoID, "")
	require.NoError(t, err)
	assert.Equal(t, "owner", via)

	_, err = f.streamer.Authorize(ctx, consumer, f.videoID, "")
	assert.ErrorIs(t, err, fault.ErrAccessDenied)
	_, err = f.streamer.Authorize(ctx, consumer, f.videoID, "forged.token")
	assert.ErrorIs(t, err, fault.ErrAccessDenied)

	g, err := f.ledger.RequestAccess(ctx, consumer, f.videoID, "review")
	require.NoError(t, err)
	_, err = f.ledger.Approve(ctx, owner, g.ID, ptr(int64(1)), nil)
	require.NoError(t, err)

	via, err = f.streamer.Authorize(ctx, consumer, f.videoID, "")
	require.NoError(t, err)
	assert.Equal(t, "permission", via)

	_, cpub := consumerKeyPEM(t)
	pkg, err := f.keydist.GetKeyPackage(ctx, consumer, f.videoID, cpub)
	require.NoError(t, err)

	// the single access is spent, but the package token still admits the stream
	_, err = f.streamer.Authorize(ctx, consumer, f.videoID, "")
	assert.ErrorIs(t, err, fault.ErrAccessDenied)
	via, err = f.streamer.Authorize(ctx, consumer, f.videoID, pkg.Token)
	require.NoError(t, err)
	assert.Equal(t, "token", via)

	other := identity.Principal{UserID: "consumer-d", Role: identity.RoleUser}
	_, err = f.streamer.Authorize(ctx, other, f.videoID, pkg.Token)
	assert.ErrorIs(t, err, fault.ErrAccessDenied, "tokens are bound to their consumer")
}

func TestOpenRecordsEveryAttempt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r, err := f.streamer.Open(ctx, owner, f.videoID, "", "bytes=100-199")
	require.NoError(t, err)
	assert.Equal(t, f.ciphertext[100:200], readAll(t, r))

	_, err = f.streamer.Open(ctx, owner, f.videoID, "", "bytes=1000-")
	assert.ErrorIs(t, err, fault.ErrRangeNotSatisfiable)

	_, err = f.streamer.Open(ctx, consumer, f.videoID, "", "")
	assert.ErrorIs(t, err, fault.ErrAccessDenied)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.recorder.Close(closeCtx))

	entries, err := f.st.ListAccessLog(ctx, models.AccessLogFilter{VideoID: f.videoID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Success)
	assert.JSONEq(t, `{"via":"owner","range":"100-199"}`, string(entries[0].Detail))
	assert.False(t, entries[1].Success)
	assert.False(t, entries[2].Success)
	assert.Equal(t, consumer.UserID, entries[2].ConsumerID)
}

func consumerKeyPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey, err := enc.MarshalPublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	return priv, pemKey
}
