// Package gormstore implements store.Store on postgres through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebluefowl/reelvault/internal/envelope"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/store"
)

type Store struct {
	db       *gorm.DB
	log      logrus.FieldLogger
	embedded *embeddedpostgres.EmbeddedPostgres
}

var _ store.Store = (*Store)(nil)

// New wraps an open gorm handle and migrates the schema. The handle should
// be opened with TranslateError so unique violations map to ErrDuplicate.
func New(db *gorm.DB, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := db.AutoMigrate(
		&models.Account{},
		&models.Video{},
		&envelope.Record{},
		&models.Permission{},
		&models.AccessLogEntry{},
	); err != nil {
		return nil, fmt.Errorf("gormstore: migrate: %w", err)
	}
	return &Store{db: db, log: log.WithField("component", "gormstore")}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if s.embedded != nil {
		s.log.Info("stopping embedded postgres")
		if stopErr := s.embedded.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}

func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrDuplicate
	case fault.Kind(err) != fault.ErrInternal || errors.Is(err, fault.ErrInternal):
		return err
	default:
		return fmt.Errorf("%w: gormstore: %w", fault.ErrIO, err)
	}
}

// Videos

func (s *Store) CreateVideo(ctx context.Context, v *models.Video) error {
	if v.ID == "" {
		return fmt.Errorf("%w: video id required", fault.ErrValidation)
	}
	return wrapErr(s.db.WithContext(ctx).Create(v).Error)
}

func (s *Store) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	var v models.Video
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &v, nil
}

func (s *Store) ListVideos(ctx context.Context, f store.VideoFilter) ([]models.Video, error) {
	q := s.db.WithContext(ctx).Order("created_at asc")
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	var out []models.Video
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func (s *Store) SetVideoState(ctx context.Context, id string, state models.VideoState) error {
	res := s.db.WithContext(ctx).Model(&models.Video{}).Where("id = ?", id).
		Updates(map[string]any{"state": state, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return wrapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	return wrapErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&envelope.Record{}).Where("video_id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return store.ErrInvalidState
		}
		res := tx.Where("id = ?", id).Delete(&models.Video{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return nil
	}))
}

func (s *Store) CompleteVideo(ctx context.Context, id string, plaintextSize int64, rec *envelope.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.VideoID != id {
		return fmt.Errorf("%w: envelope belongs to another video", fault.ErrValidation)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v models.Video
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&v, "id = ?", id).Error; err != nil {
			return err
		}
		if v.State != models.VideoProcessing {
			return store.ErrInvalidState
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		return tx.Model(&v).Updates(map[string]any{
			"state":          models.VideoAvailable,
			"plaintext_size": plaintextSize,
			"updated_at":     time.Now().UTC(),
		}).Error
	})
	return wrapErr(err)
}

// Envelopes

func (s *Store) GetEnvelope(ctx context.Context, videoID string) (*envelope.Record, error) {
	var r envelope.Record
	if err := s.db.WithContext(ctx).First(&r, "video_id = ?", videoID).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &r, nil
}

// Permissions

func (s *Store) CreatePermission(ctx context.Context, p *models.Permission) error {
	if p.ID == "" || p.VideoID == "" || p.ConsumerID == "" {
		return fmt.Errorf("%w: permission id, video and consumer required", fault.ErrValidation)
	}
	return wrapErr(s.db.WithContext(ctx).Create(p).Error)
}

func (s *Store) GetPermission(ctx context.Context, id string) (*models.Permission, error) {
	var p models.Permission
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

func (s *Store) FindPermission(ctx context.Context, videoID, consumerID string) (*models.Permission, error) {
	var p models.Permission
	err := s.db.WithContext(ctx).
		Where("video_id = ? AND consumer_id = ?", videoID, consumerID).
		First(&p).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

func (s *Store) ListPermissions(ctx context.Context, f models.PermissionFilter) ([]models.Permission, error) {
	if f.VideoIDs != nil && len(f.VideoIDs) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Order("requested_at asc")
	if f.VideoIDs != nil {
		q = q.Where("video_id IN ?", f.VideoIDs)
	}
	if f.ConsumerID != "" {
		q = q.Where("consumer_id = ?", f.ConsumerID)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	var out []models.Permission
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func (s *Store) UpdatePermission(ctx context.Context, id string, fn func(*models.Permission) error) (*models.Permission, error) {
	var updated models.Permission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Permission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cur, "id = ?", id).Error; err != nil {
			return err
		}
		next := cur
		if err := fn(&next); err != nil {
			return err
		}
		if next.ID != cur.ID || next.VideoID != cur.VideoID || next.ConsumerID != cur.ConsumerID {
			return fmt.Errorf("%w: permission identity fields are immutable", fault.ErrValidation)
		}
		if next.AccessCount < cur.AccessCount {
			return fmt.Errorf("%w: access count cannot decrease", fault.ErrValidation)
		}
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return &updated, nil
}

// IncrementAccessCount is a single conditional UPDATE; the effective-access
// predicate is evaluated by postgres against the row being updated.
func (s *Store) IncrementAccessCount(ctx context.Context, id string, now time.Time) (*models.Permission, error) {
	now = now.UTC()
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Permission{}).
		Where("id = ? AND state = ? AND revoked_at IS NULL", id, models.PermissionApproved).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Where("(max_accesses IS NULL OR access_count < max_accesses)").
		Updates(map[string]any{
			"access_count":   gorm.Expr("access_count + 1"),
			"last_access_at": now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return nil, wrapErr(res.Error)
	}

	p, err := s.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, store.ErrLimitReached
	}
	return p, nil
}

// Access log

func (s *Store) AppendAccessLog(ctx context.Context, e *models.AccessLogEntry) error {
	if e.ID == "" {
		return fmt.Errorf("%w: access log id required", fault.ErrValidation)
	}
	return wrapErr(s.db.WithContext(ctx).Create(e).Error)
}

func (s *Store) ListAccessLog(ctx context.Context, f models.AccessLogFilter) ([]models.AccessLogEntry, error) {
	q := s.db.WithContext(ctx).Order("occurred_at asc")
	if f.VideoID != "" {
		q = q.Where("video_id = ?", f.VideoID)
	}
	if f.ConsumerID != "" {
		q = q.Where("consumer_id = ?", f.ConsumerID)
	}
	if !f.Since.IsZero() {
		q = q.Where("occurred_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.AccessLogEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

// Accounts

func (s *Store) PutAccount(ctx context.Context, a *models.Account) error {
	if a.ID == "" {
		return fmt.Errorf("%w: account id required", fault.ErrValidation)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "role"}),
	}).Create(a).Error
	return wrapErr(err)
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &a, nil
}
