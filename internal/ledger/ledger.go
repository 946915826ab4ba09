// Package ledger owns the permission lifecycle between a video and a
// consumer: request, approval with optional limits, revocation and the
// effective-access predicate every delivery path consults.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/store"
)

var (
	ErrNotOwner   = fmt.Errorf("%w: only the video owner may do this", fault.ErrAccessDenied)
	ErrSelfAccess = fmt.Errorf("%w: owners do not request access to their own videos", fault.ErrValidation)
)

type Backend interface {
	store.Videos
	store.Permissions
}

type Options struct {
	Logger logrus.FieldLogger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Service struct {
	st  Backend
	log logrus.FieldLogger
	now func() time.Time
}

func New(st Backend, opts Options) *Service {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{st: st, log: opts.Logger.WithField("component", "ledger"), now: opts.Now}
}

// Filter narrows List. VideoID and State are optional.
type Filter struct {
	VideoID string
	State   models.PermissionState
}

// RequestAccess opens a pending request for p on videoID. A revoked row is
// moved back to pending; any other existing row is a conflict.
func (s *Service) RequestAccess(ctx context.Context, p identity.Principal, videoID, justification string) (*Grant, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: no principal", fault.ErrAccessDenied)
	}
	v, err := s.availableVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if v.OwnerID == p.UserID {
		return nil, ErrSelfAccess
	}
	now := s.now()

	existing, err := s.st.FindPermission(ctx, videoID, p.UserID)
	switch {
	case err == nil:
		row, err := s.st.UpdatePermission(ctx, existing.ID, func(row *models.Permission) error {
			return transition(row, func(g Grant) (Grant, error) { return g.Rerequest(justification, now) })
		})
		if err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"permission": row.ID, "video": videoID, "consumer": p.UserID}).Info("access re-requested")
		return grantOf(row)
	case !errors.Is(err, fault.ErrNotFound):
		return nil, err
	}

	g, err := NewRequest(models.NewPermissionID(), videoID, p.UserID, justification, now)
	if err != nil {
		return nil, err
	}
	if err := s.st.CreatePermission(ctx, g.Row()); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: a request for this video already exists", fault.ErrConflict)
		}
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"permission": g.ID, "video": videoID, "consumer": p.UserID}).Info("access requested")
	return &g, nil
}

// Approve grants a pending request. maxAccesses and expiresAt are optional.
func (s *Service) Approve(ctx context.Context, p identity.Principal, permissionID string, maxAccesses *int64, expiresAt *time.Time) (*Grant, error) {
	now := s.now()
	return s.ownerTransition(ctx, p, permissionID, "approved", func(g Grant) (Grant, error) {
		return g.Approve(p.UserID, maxAccesses, expiresAt, now)
	})
}

func (s *Service) Revoke(ctx context.Context, p identity.Principal, permissionID string) (*Grant, error) {
	now := s.now()
	return s.ownerTransition(ctx, p, permissionID, "revoked", func(g Grant) (Grant, error) {
		return g.Revoke(p.UserID, now)
	})
}

func (s *Service) Extend(ctx context.Context, p identity.Principal, permissionID string, expiresAt time.Time) (*Grant, error) {
	now := s.now()
	return s.ownerTransition(ctx, p, permissionID, "extended", func(g Grant) (Grant, error) {
		return g.Extend(expiresAt, now)
	})
}

func (s *Service) ownerTransition(ctx context.Context, p identity.Principal, permissionID, verb string, fn func(Grant) (Grant, error)) (*Grant, error) {
	row, err := s.st.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, p, row.VideoID); err != nil {
		return nil, err
	}
	row, err = s.st.UpdatePermission(ctx, permissionID, func(row *models.Permission) error {
		return transition(row, fn)
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"permission": row.ID,
		"video":      row.VideoID,
		"consumer":   row.ConsumerID,
		"by":         p.UserID,
	}).Info("permission " + verb)
	return grantOf(row)
}

// CheckEffectiveAccess reports whether consumerID may access videoID now.
// The owner always may. Store failures deny and are logged.
func (s *Service) CheckEffectiveAccess(ctx context.Context, videoID, consumerID string) bool {
	v, err := s.st.GetVideo(ctx, videoID)
	if err != nil {
		s.logCheckFailure(err, videoID, consumerID)
		return false
	}
	if v.OwnerID == consumerID {
		return true
	}
	_, ok := s.Effective(ctx, videoID, consumerID)
	return ok
}

// Effective returns the consumer's grant when it allows access now. It does
// not apply the owner bypass.
func (s *Service) Effective(ctx context.Context, videoID, consumerID string) (*Grant, bool) {
	row, err := s.st.FindPermission(ctx, videoID, consumerID)
	if err != nil {
		if !errors.Is(err, fault.ErrNotFound) {
			s.logCheckFailure(err, videoID, consumerID)
		}
		return nil, false
	}
	g, err := FromRow(row)
	if err != nil {
		s.logCheckFailure(err, videoID, consumerID)
		return nil, false
	}
	if !g.Effective(s.now()) {
		return nil, false
	}
	return &g, true
}

func (s *Service) logCheckFailure(err error, videoID, consumerID string) {
	s.log.WithError(err).WithFields(logrus.Fields{"video": videoID, "consumer": consumerID}).Warn("access check failed, denying")
}

// IncrementAccessCount records one access. It fails with fault.ErrConflict
// when the grant stopped being effective, including a lost race for the
// last remaining access.
func (s *Service) IncrementAccessCount(ctx context.Context, permissionID string) (*Grant, error) {
	row, err := s.st.IncrementAccessCount(ctx, permissionID, s.now())
	if err != nil {
		return nil, err
	}
	return grantOf(row)
}

// List returns the grants p may see: every row on videos p owns, plus p's
// own requests.
func (s *Service) List(ctx context.Context, p identity.Principal, f Filter) ([]Grant, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: no principal", fault.ErrAccessDenied)
	}

	var rows []models.Permission
	if f.VideoID != "" {
		v, err := s.st.GetVideo(ctx, f.VideoID)
		if err != nil {
			return nil, err
		}
		pf := models.PermissionFilter{VideoIDs: []string{f.VideoID}, State: f.State}
		if v.OwnerID != p.UserID {
			pf.ConsumerID = p.UserID
		}
		if rows, err = s.st.ListPermissions(ctx, pf); err != nil {
			return nil, err
		}
	} else {
		own, err := s.st.ListPermissions(ctx, models.PermissionFilter{ConsumerID: p.UserID, State: f.State})
		if err != nil {
			return nil, err
		}
		rows = own
		if p.IsAdmin() {
			videos, err := s.st.ListVideos(ctx, store.VideoFilter{OwnerID: p.UserID})
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(videos))
			for _, v := range videos {
				ids = append(ids, v.ID)
			}
			owned, err := s.st.ListPermissions(ctx, models.PermissionFilter{VideoIDs: ids, State: f.State})
			if err != nil {
				return nil, err
			}
			rows = append(rows, owned...)
		}
	}

	out := make([]Grant, 0, len(rows))
	for i := range rows {
		g, err := FromRow(&rows[i])
		if err != nil {
			s.log.WithError(err).WithField("permission", rows[i].ID).Error("skipping unreadable permission row")
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Get returns one grant to its consumer or to the video owner.
func (s *Service) Get(ctx context.Context, p identity.Principal, permissionID string) (*Grant, error) {
	row, err := s.st.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if row.ConsumerID != p.UserID {
		if err := s.requireOwner(ctx, p, row.VideoID); err != nil {
			return nil, err
		}
	}
	return grantOf(row)
}

func (s *Service) requireOwner(ctx context.Context, p identity.Principal, videoID string) error {
	if !p.Valid() || !p.IsAdmin() {
		return ErrNotOwner
	}
	v, err := s.st.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if v.OwnerID != p.UserID {
		return ErrNotOwner
	}
	return nil
}

func (s *Service) availableVideo(ctx context.Context, videoID string) (*models.Video, error) {
	if strings.TrimSpace(videoID) == "" {
		return nil, fmt.Errorf("%w: video id required", fault.ErrValidation)
	}
	v, err := s.st.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if v.State != models.VideoAvailable {
		return nil, fmt.Errorf("%w: video %s is not available", fault.ErrNotFound, videoID)
	}
	return v, nil
}

// transition applies fn to the grant held in row and writes the result back.
func transition(row *models.Permission, fn func(Grant) (Grant, error)) error {
	g, err := FromRow(row)
	if err != nil {
		return err
	}
	next, err := fn(g)
	if err != nil {
		return err
	}
	updated := next.Row()
	updated.UpdatedAt = row.UpdatedAt
	*row = *updated
	return nil
}

func grantOf(row *models.Permission) (*Grant, error) {
	g, err := FromRow(row)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
