// Package badgerstore implements store.Store on an embedded badger database.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/envelope"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/store"
)

const (
	prefixVideo    = "video/"
	prefixEnvelope = "env/"
	prefixPerm     = "perm/"
	prefixPermIdx  = "permidx/"
	prefixLog      = "log/"
	prefixAccount  = "acct/"

	maxTxnRetries = 8
)

type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   logrus.FieldLogger
}

type Store struct {
	db  *badger.DB
	log logrus.FieldLogger

	// permMu serializes permission mutations so the read-check-write in
	// UpdatePermission and IncrementAccessCount cannot interleave.
	permMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badgerstore: Dir is required unless InMemory is set")
	}

	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bo = badger.DefaultOptions(opts.Dir)
	}
	bo.Logger = nil

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db, log: opts.Logger.WithField("component", "badgerstore")}, nil
}

// OpenInMemory is shorthand for tests and single-node dev runs.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badgerstore: close: %w", err)
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on badger conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", fault.ErrIO, err)
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxTxnRetries {
			s.log.WithField("attempt", attempt+1).Debug("transaction conflict, retrying")
			continue
		}
		return wrapErr(err)
	}
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", fault.ErrIO, err)
	}
	return wrapErr(s.db.View(fn))
}

// wrapErr leaves classified errors alone (including those returned by
// UpdatePermission callbacks) and treats everything else as I/O.
func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case fault.Kind(err) != fault.ErrInternal || errors.Is(err, fault.ErrInternal):
		return err
	case errors.Is(err, badger.ErrKeyNotFound):
		return store.ErrNotFound
	default:
		return fmt.Errorf("%w: badgerstore: %w", fault.ErrIO, err)
	}
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), b)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan decodes every value under prefix in key order.
func scan[T any](txn *badger.Txn, prefix string, keep func(*T) bool) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []T
	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
			return nil, err
		}
		if keep == nil || keep(&v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Videos

func (s *Store) CreateVideo(ctx context.Context, v *models.Video) error {
	if v.ID == "" {
		return fmt.Errorf("%w: video id required", fault.ErrValidation)
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	return s.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, prefixVideo+v.ID)
		if err != nil {
			return err
		}
		if ok {
			return store.ErrDuplicate
		}
		return setJSON(txn, prefixVideo+v.ID, v)
	})
}

func (s *Store) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	var v models.Video
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixVideo+id, &v)
	}); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVideos(ctx context.Context, f store.VideoFilter) ([]models.Video, error) {
	var out []models.Video
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, prefixVideo, f.Match)
		return err
	})
	return out, err
}

func (s *Store) SetVideoState(ctx context.Context, id string, state models.VideoState) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var v models.Video
		if err := getJSON(txn, prefixVideo+id, &v); err != nil {
			return err
		}
		v.State = state
		v.UpdatedAt = time.Now().UTC()
		return setJSON(txn, prefixVideo+id, &v)
	})
}

func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, prefixVideo+id)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		if ok, err = exists(txn, prefixEnvelope+id); err != nil {
			return err
		} else if ok {
			return store.ErrInvalidState
		}
		return txn.Delete([]byte(prefixVideo + id))
	})
}

func (s *Store) CompleteVideo(ctx context.Context, id string, plaintextSize int64, rec *envelope.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.VideoID != id {
		return fmt.Errorf("%w: envelope belongs to another video", fault.ErrValidation)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		var v models.Video
		if err := getJSON(txn, prefixVideo+id, &v); err != nil {
			return err
		}
		if v.State != models.VideoProcessing {
			return store.ErrInvalidState
		}
		ok, err := exists(txn, prefixEnvelope+id)
		if err != nil {
			return err
		}
		if ok {
			return store.ErrDuplicate
		}
		if err := setJSON(txn, prefixEnvelope+id, rec); err != nil {
			return err
		}
		v.State = models.VideoAvailable
		v.PlaintextSize = plaintextSize
		v.UpdatedAt = time.Now().UTC()
		return setJSON(txn, prefixVideo+id, &v)
	})
}

// Envelopes

func (s *Store) GetEnvelope(ctx context.Context, videoID string) (*envelope.Record, error) {
	var r envelope.Record
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixEnvelope+videoID, &r)
	}); err != nil {
		return nil, err
	}
	return &r, nil
}

// Permissions

func permIndexKey(videoID, consumerID string) string {
	return prefixPermIdx + videoID + "\x00" + consumerID
}

func (s *Store) CreatePermission(ctx context.Context, p *models.Permission) error {
	if p.ID == "" || p.VideoID == "" || p.ConsumerID == "" {
		return fmt.Errorf("%w: permission id, video and consumer required", fault.ErrValidation)
	}
	p.UpdatedAt = time.Now().UTC()

	s.permMu.Lock()
	defer s.permMu.Unlock()
	return s.update(ctx, func(txn *badger.Txn) error {
		idx := permIndexKey(p.VideoID, p.ConsumerID)
		ok, err := exists(txn, idx)
		if err != nil {
			return err
		}
		if ok {
			return store.ErrDuplicate
		}
		if ok, err = exists(txn, prefixPerm+p.ID); err != nil {
			return err
		} else if ok {
			return store.ErrDuplicate
		}
		if err := txn.Set([]byte(idx), []byte(p.ID)); err != nil {
			return err
		}
		return setJSON(txn, prefixPerm+p.ID, p)
	})
}

func (s *Store) GetPermission(ctx context.Context, id string) (*models.Permission, error) {
	var p models.Permission
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixPerm+id, &p)
	}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) FindPermission(ctx context.Context, videoID, consumerID string) (*models.Permission, error) {
	var p models.Permission
	if err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(permIndexKey(videoID, consumerID)))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, prefixPerm+string(id), &p)
	}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPermissions(ctx context.Context, f models.PermissionFilter) ([]models.Permission, error) {
	var out []models.Permission
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, prefixPerm, f.Match)
		return err
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, err
}

func (s *Store) UpdatePermission(ctx context.Context, id string, fn func(*models.Permission) error) (*models.Permission, error) {
	s.permMu.Lock()
	defer s.permMu.Unlock()

	var updated models.Permission
	err := s.update(ctx, func(txn *badger.Txn) error {
		var cur models.Permission
		if err := getJSON(txn, prefixPerm+id, &cur); err != nil {
			return err
		}
		next := cur
		if err := fn(&next); err != nil {
			return err
		}
		if err := checkImmutable(&cur, &next); err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()
		updated = next
		return setJSON(txn, prefixPerm+id, &next)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) IncrementAccessCount(ctx context.Context, id string, now time.Time) (*models.Permission, error) {
	s.permMu.Lock()
	defer s.permMu.Unlock()

	var updated models.Permission
	err := s.update(ctx, func(txn *badger.Txn) error {
		var p models.Permission
		if err := getJSON(txn, prefixPerm+id, &p); err != nil {
			return err
		}
		if !p.Effective(now) {
			return store.ErrLimitReached
		}
		p.AccessCount++
		t := now.UTC()
		p.LastAccessAt = &t
		p.UpdatedAt = t
		updated = p
		return setJSON(txn, prefixPerm+id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func checkImmutable(cur, next *models.Permission) error {
	if next.ID != cur.ID || next.VideoID != cur.VideoID || next.ConsumerID != cur.ConsumerID {
		return fmt.Errorf("%w: permission identity fields are immutable", fault.ErrValidation)
	}
	if next.AccessCount < cur.AccessCount {
		return fmt.Errorf("%w: access count cannot decrease", fault.ErrValidation)
	}
	return nil
}

// Access log

func logKey(e *models.AccessLogEntry) string {
	return fmt.Sprintf("%s%020d/%s", prefixLog, e.Timestamp.UnixNano(), e.ID)
}

func (s *Store) AppendAccessLog(ctx context.Context, e *models.AccessLogEntry) error {
	if e.ID == "" {
		return fmt.Errorf("%w: access log id required", fault.ErrValidation)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, logKey(e), e)
	})
}

func (s *Store) ListAccessLog(ctx context.Context, f models.AccessLogFilter) ([]models.AccessLogEntry, error) {
	var out []models.AccessLogEntry
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, prefixLog, f.Match)
		return err
	})
	if err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Accounts

func (s *Store) PutAccount(ctx context.Context, a *models.Account) error {
	if a.ID == "" {
		return fmt.Errorf("%w: account id required", fault.ErrValidation)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixAccount+a.ID, a)
	})
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixAccount+id, &a)
	}); err != nil {
		return nil, err
	}
	return &a, nil
}
