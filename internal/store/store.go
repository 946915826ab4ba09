// Package store is the persistence contract of reelvault. Backends live in
// the badgerstore and gormstore subpackages and are checked against the same
// conformance suite in storetest.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/thebluefowl/reelvault/internal/envelope"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/models"
)

var (
	ErrNotFound = fmt.Errorf("%w: record", fault.ErrNotFound)
	// ErrDuplicate is returned when a unique constraint fires.
	ErrDuplicate = fmt.Errorf("%w: duplicate record", fault.ErrConflict)
	// ErrLimitReached is returned by IncrementAccessCount when the permission
	// no longer grants access at the time of the update.
	ErrLimitReached = fmt.Errorf("%w: permission not effective", fault.ErrConflict)
	// ErrInvalidState is returned by CompleteVideo when the video is not
	// processing.
	ErrInvalidState = fmt.Errorf("%w: invalid state transition", fault.ErrConflict)
)

type VideoFilter struct {
	OwnerID string
	State   models.VideoState
}

func (f VideoFilter) Match(v *models.Video) bool {
	if f.OwnerID != "" && v.OwnerID != f.OwnerID {
		return false
	}
	if f.State != "" && v.State != f.State {
		return false
	}
	return true
}

type Videos interface {
	CreateVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	ListVideos(ctx context.Context, f VideoFilter) ([]models.Video, error)
	SetVideoState(ctx context.Context, id string, state models.VideoState) error
	// DeleteVideo removes a video row that never got an envelope.
	DeleteVideo(ctx context.Context, id string) error
	// CompleteVideo inserts the envelope and marks the video available with
	// the given plaintext size in one transaction.
	CompleteVideo(ctx context.Context, id string, plaintextSize int64, rec *envelope.Record) error
}

type Envelopes interface {
	GetEnvelope(ctx context.Context, videoID string) (*envelope.Record, error)
}

type Permissions interface {
	CreatePermission(ctx context.Context, p *models.Permission) error
	GetPermission(ctx context.Context, id string) (*models.Permission, error)
	FindPermission(ctx context.Context, videoID, consumerID string) (*models.Permission, error)
	ListPermissions(ctx context.Context, f models.PermissionFilter) ([]models.Permission, error)
	// UpdatePermission runs fn on the current row inside a transaction and
	// persists the result unless fn returns an error.
	UpdatePermission(ctx context.Context, id string, fn func(*models.Permission) error) (*models.Permission, error)
	// IncrementAccessCount adds one access if the permission is effective at
	// now, as a single atomic operation.
	IncrementAccessCount(ctx context.Context, id string, now time.Time) (*models.Permission, error)
}

type AccessLog interface {
	AppendAccessLog(ctx context.Context, e *models.AccessLogEntry) error
	ListAccessLog(ctx context.Context, f models.AccessLogFilter) ([]models.AccessLogEntry, error)
}

type Accounts interface {
	PutAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

type Store interface {
	Videos
	Envelopes
	Permissions
	AccessLog
	Accounts
	Close() error
}
