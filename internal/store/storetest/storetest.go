// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/envelope"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/store"
)

// Factory returns a ready store. Backends sharing one database across
// subtests are fine: every case uses fresh random ids.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Videos", testVideos},
		{"CompleteVideo", testCompleteVideo},
		{"DeleteVideo", testDeleteVideo},
		{"Permissions", testPermissions},
		{"UpdatePermission", testUpdatePermission},
		{"IncrementAccessCount", testIncrementAccessCount},
		{"ConcurrentIncrement", testConcurrentIncrement},
		{"AccessLog", testAccessLog},
		{"Accounts", testAccounts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func id() string { return uuid.NewString() }

// NewVideo returns a processing video owned by ownerID.
func NewVideo(ownerID string) *models.Video {
	vid := models.NewVideoID() + "-" + id()[:8]
	return &models.Video{
		ID:            vid,
		Title:         "clip",
		OwnerID:       ownerID,
		CiphertextKey: models.CiphertextKeyFor(vid),
		ContentType:   models.DefaultContentType,
		State:         models.VideoProcessing,
	}
}

// NewRecord returns a structurally valid envelope for videoID.
func NewRecord(videoID string) *envelope.Record {
	return &envelope.Record{
		VideoID:    videoID,
		WrappedKey: []byte("wrapped-key"),
		Nonce:      make([]byte, enc.NonceSize),
		Tag:        make([]byte, enc.TagSize),
		MAC:        make([]byte, 32),
		PlainSHA:   make([]byte, 32),
		Version:    envelope.VersionFor(enc.DefaultSuite()),
	}
}

func newPermission(videoID, consumerID string) *models.Permission {
	return &models.Permission{
		ID:            models.NewPermissionID(),
		VideoID:       videoID,
		ConsumerID:    consumerID,
		State:         models.PermissionPending,
		Justification: "review",
		RequestedAt:   time.Now().UTC(),
	}
}

func approved(p *models.Permission, maxAccesses *int64, expires *time.Time) {
	now := time.Now().UTC()
	by := "owner"
	p.State = models.PermissionApproved
	p.GrantedAt = &now
	p.GrantedBy = &by
	p.MaxAccesses = maxAccesses
	p.ExpiresAt = expires
}

func testVideos(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := id()
	v := NewVideo(owner)
	require.NoError(t, s.CreateVideo(ctx, v))
	assert.ErrorIs(t, s.CreateVideo(ctx, v), store.ErrDuplicate)

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Title, got.Title)
	assert.Equal(t, v.CiphertextKey, got.CiphertextKey)
	assert.NotEmpty(t, got.CiphertextKey)
	assert.Equal(t, models.VideoProcessing, got.State)

	_, err = s.GetVideo(ctx, "missing-"+id())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	other := NewVideo(owner)
	require.NoError(t, s.CreateVideo(ctx, other))
	require.NoError(t, s.SetVideoState(ctx, other.ID, models.VideoError))

	all, err := s.ListVideos(ctx, store.VideoFilter{OwnerID: owner})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := s.ListVideos(ctx, store.VideoFilter{OwnerID: owner, State: models.VideoError})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, other.ID, failed[0].ID)

	assert.ErrorIs(t, s.SetVideoState(ctx, "missing-"+id(), models.VideoError), store.ErrNotFound)
}

func testDeleteVideo(t *testing.T, s store.Store) {
	ctx := context.Background()
	v := NewVideo(id())
	require.NoError(t, s.CreateVideo(ctx, v))
	require.NoError(t, s.DeleteVideo(ctx, v.ID))
	_, err := s.GetVideo(ctx, v.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteVideo(ctx, v.ID), store.ErrNotFound)

	done := NewVideo(id())
	require.NoError(t, s.CreateVideo(ctx, done))
	require.NoError(t, s.CompleteVideo(ctx, done.ID, 10, NewRecord(done.ID)))
	assert.ErrorIs(t, s.DeleteVideo(ctx, done.ID), store.ErrInvalidState)
	_, err = s.GetVideo(ctx, done.ID)
	assert.NoError(t, err)
}

func testCompleteVideo(t *testing.T, s store.Store) {
	ctx := context.Background()
	v := NewVideo(id())
	require.NoError(t, s.CreateVideo(ctx, v))

	_, err := s.GetEnvelope(ctx, v.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec := NewRecord(v.ID)
	rec.MAC[0] = 0xAB
	require.NoError(t, s.CompleteVideo(ctx, v.ID, 1234, rec))

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoAvailable, got.State)
	assert.Equal(t, int64(1234), got.PlaintextSize)
	assert.Equal(t, v.CiphertextKey, got.CiphertextKey)

	env, err := s.GetEnvelope(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.WrappedKey, env.WrappedKey)
	assert.Equal(t, rec.MAC, env.MAC)
	assert.Equal(t, rec.Version, env.Version)

	// a second completion must not replace the envelope
	again := NewRecord(v.ID)
	err = s.CompleteVideo(ctx, v.ID, 1, again)
	assert.ErrorIs(t, err, fault.ErrConflict)
	env, err = s.GetEnvelope(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), env.MAC[0])

	bad := NewRecord(v.ID)
	bad.Nonce = nil
	assert.ErrorIs(t, s.CompleteVideo(ctx, v.ID, 1, bad), fault.ErrValidation)

	assert.ErrorIs(t, s.CompleteVideo(ctx, "missing-"+id(), 1, NewRecord("x")), fault.ErrValidation)
}

func testPermissions(t *testing.T, s store.Store) {
	ctx := context.Background()
	video := id()
	consumer := id()

	p := newPermission(video, consumer)
	require.NoError(t, s.CreatePermission(ctx, p))

	dup := newPermission(video, consumer)
	assert.ErrorIs(t, s.CreatePermission(ctx, dup), store.ErrDuplicate)

	got, err := s.GetPermission(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, consumer, got.ConsumerID)
	assert.Equal(t, models.PermissionPending, got.State)
	assert.Nil(t, got.MaxAccesses)

	found, err := s.FindPermission(ctx, video, consumer)
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	_, err = s.FindPermission(ctx, video, id())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetPermission(ctx, id())
	assert.ErrorIs(t, err, store.ErrNotFound)

	second := newPermission(video, id())
	require.NoError(t, s.CreatePermission(ctx, second))

	list, err := s.ListPermissions(ctx, models.PermissionFilter{VideoIDs: []string{video}})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	mine, err := s.ListPermissions(ctx, models.PermissionFilter{ConsumerID: consumer})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, p.ID, mine[0].ID)

	none, err := s.ListPermissions(ctx, models.PermissionFilter{VideoIDs: []string{video}, State: models.PermissionApproved})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpdatePermission(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newPermission(id(), id())
	require.NoError(t, s.CreatePermission(ctx, p))

	maxAccesses := int64(3)
	updated, err := s.UpdatePermission(ctx, p.ID, func(cur *models.Permission) error {
		approved(cur, &maxAccesses, nil)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.PermissionApproved, updated.State)

	got, err := s.GetPermission(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MaxAccesses)
	assert.Equal(t, int64(3), *got.MaxAccesses)

	sentinel := errors.New("refused")
	_, err = s.UpdatePermission(ctx, p.ID, func(cur *models.Permission) error {
		cur.State = models.PermissionRevoked
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	got, err = s.GetPermission(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionApproved, got.State, "failed callback must not persist")

	_, err = s.UpdatePermission(ctx, p.ID, func(cur *models.Permission) error {
		cur.ConsumerID = "someone-else"
		return nil
	})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = s.IncrementAccessCount(ctx, p.ID, time.Now())
	require.NoError(t, err)
	_, err = s.UpdatePermission(ctx, p.ID, func(cur *models.Permission) error {
		cur.AccessCount = 0
		return nil
	})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = s.UpdatePermission(ctx, id(), func(*models.Permission) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testIncrementAccessCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()

	pending := newPermission(id(), id())
	require.NoError(t, s.CreatePermission(ctx, pending))
	_, err := s.IncrementAccessCount(ctx, pending.ID, now)
	assert.ErrorIs(t, err, store.ErrLimitReached)

	expiry := now.Add(time.Hour)
	limited := newPermission(id(), id())
	approved(limited, ptr(int64(2)), &expiry)
	require.NoError(t, s.CreatePermission(ctx, limited))

	p, err := s.IncrementAccessCount(ctx, limited.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.AccessCount)
	require.NotNil(t, p.LastAccessAt)

	p, err = s.IncrementAccessCount(ctx, limited.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.AccessCount)

	_, err = s.IncrementAccessCount(ctx, limited.ID, now)
	assert.ErrorIs(t, err, store.ErrLimitReached)
	assert.ErrorIs(t, err, fault.ErrConflict)

	unlimited := newPermission(id(), id())
	approved(unlimited, nil, &expiry)
	require.NoError(t, s.CreatePermission(ctx, unlimited))
	_, err = s.IncrementAccessCount(ctx, unlimited.ID, expiry.Add(time.Second))
	assert.ErrorIs(t, err, store.ErrLimitReached, "expired permission must not count")

	got, err := s.GetPermission(ctx, unlimited.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount)
}

func testConcurrentIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	const limit = 5
	p := newPermission(id(), id())
	approved(p, ptr(int64(limit)), nil)
	require.NoError(t, s.CreatePermission(ctx, p))

	var ok, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < limit+10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementAccessCount(ctx, p.ID, time.Now())
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, store.ErrLimitReached):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), ok.Load())
	assert.Equal(t, int64(10), denied.Load())
	got, err := s.GetPermission(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), got.AccessCount)
}

func testAccessLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	video := id()
	base := time.Now().UTC().Add(-time.Minute)

	for i := 0; i < 3; i++ {
		e := models.NewAccessLogEntry(video, "c"+string(rune('a'+i)), models.AccessKeyPackage, i != 1, "", map[string]any{"i": i})
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.AppendAccessLog(ctx, e))
	}
	require.NoError(t, s.AppendAccessLog(ctx, models.NewAccessLogEntry(id(), "ca", models.AccessStream, true, "", nil)))

	entries, err := s.ListAccessLog(ctx, models.AccessLogFilter{VideoID: video})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "ca", entries[0].ConsumerID)
	assert.Equal(t, "cc", entries[2].ConsumerID)
	assert.False(t, entries[1].Success)
	assert.JSONEq(t, `{"i":0}`, string(entries[0].Detail))

	limited, err := s.ListAccessLog(ctx, models.AccessLogFilter{VideoID: video, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	byConsumer, err := s.ListAccessLog(ctx, models.AccessLogFilter{VideoID: video, ConsumerID: "cb"})
	require.NoError(t, err)
	require.Len(t, byConsumer, 1)

	since, err := s.ListAccessLog(ctx, models.AccessLogFilter{VideoID: video, Since: base.Add(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func testAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := &models.Account{ID: id(), Email: "owner@example.com", Role: "admin"}
	require.NoError(t, s.PutAccount(ctx, a))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Email, got.Email)

	a.Email = "new@example.com"
	require.NoError(t, s.PutAccount(ctx, a))
	got, err = s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Email)

	_, err = s.GetAccount(ctx, id())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func ptr[T any](v T) *T { return &v }
