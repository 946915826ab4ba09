package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/models"
)

var (
	ErrNotPending      = fmt.Errorf("%w: permission is not pending", fault.ErrConflict)
	ErrNotApproved     = fmt.Errorf("%w: permission is not approved", fault.ErrConflict)
	ErrAlreadyRevoked  = fmt.Errorf("%w: permission already revoked", fault.ErrConflict)
	ErrNotRevoked      = fmt.Errorf("%w: an active request already exists", fault.ErrConflict)
	ErrNoJustification = fmt.Errorf("%w: justification required", fault.ErrValidation)
	ErrBadLimit        = fmt.Errorf("%w: maxAccesses must be positive", fault.ErrValidation)
	ErrPastExpiry      = fmt.Errorf("%w: expiresAt must be in the future", fault.ErrValidation)
	ErrCorruptRow      = fmt.Errorf("%w: inconsistent permission row", fault.ErrInternal)
)

// Status is the lifecycle state of a grant: Pending, Approved or Revoked.
type Status interface {
	State() models.PermissionState
	sealed()
}

type Pending struct {
	RequestedAt time.Time
}

type Approved struct {
	GrantedAt   time.Time
	GrantedBy   string
	ExpiresAt   *time.Time
	MaxAccesses *int64
}

// Revoked remembers the approval it replaced, if there was one.
type Revoked struct {
	At      time.Time
	By      string
	Granted *Approved
}

func (Pending) State() models.PermissionState  { return models.PermissionPending }
func (Approved) State() models.PermissionState { return models.PermissionApproved }
func (Revoked) State() models.PermissionState  { return models.PermissionRevoked }

func (Pending) sealed()  {}
func (Approved) sealed() {}
func (Revoked) sealed()  {}

// Grant is a permission with its status held as a sum type. Transition
// methods return a new Grant and leave the receiver untouched.
type Grant struct {
	ID            string
	VideoID       string
	ConsumerID    string
	Justification string
	RequestedAt   time.Time
	AccessCount   int64
	LastAccessAt  *time.Time
	Status        Status
}

// NewRequest starts a pending grant.
func NewRequest(id, videoID, consumerID, justification string, now time.Time) (Grant, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return Grant{}, ErrNoJustification
	}
	return Grant{
		ID:            id,
		VideoID:       videoID,
		ConsumerID:    consumerID,
		Justification: justification,
		RequestedAt:   now,
		Status:        Pending{RequestedAt: now},
	}, nil
}

// Rerequest moves a revoked grant back to pending. The access count is kept.
func (g Grant) Rerequest(justification string, now time.Time) (Grant, error) {
	if _, ok := g.Status.(Revoked); !ok {
		return Grant{}, ErrNotRevoked
	}
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return Grant{}, ErrNoJustification
	}
	g.Justification = justification
	g.RequestedAt = now
	g.Status = Pending{RequestedAt: now}
	return g, nil
}

// Approve grants access. maxAccesses counts from now on: the stored limit
// is the current count plus maxAccesses.
func (g Grant) Approve(by string, maxAccesses *int64, expiresAt *time.Time, now time.Time) (Grant, error) {
	if _, ok := g.Status.(Pending); !ok {
		return Grant{}, ErrNotPending
	}
	a := Approved{GrantedAt: now, GrantedBy: by}
	if maxAccesses != nil {
		if *maxAccesses <= 0 {
			return Grant{}, ErrBadLimit
		}
		limit := g.AccessCount + *maxAccesses
		a.MaxAccesses = &limit
	}
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return Grant{}, ErrPastExpiry
		}
		t := expiresAt.UTC()
		a.ExpiresAt = &t
	}
	g.Status = a
	return g, nil
}

// Revoke ends a pending or approved grant.
func (g Grant) Revoke(by string, now time.Time) (Grant, error) {
	r := Revoked{At: now, By: by}
	switch s := g.Status.(type) {
	case Revoked:
		return Grant{}, ErrAlreadyRevoked
	case Approved:
		r.Granted = &s
	}
	g.Status = r
	return g, nil
}

// Extend moves the expiry of an approved grant.
func (g Grant) Extend(expiresAt time.Time, now time.Time) (Grant, error) {
	a, ok := g.Status.(Approved)
	if !ok {
		return Grant{}, ErrNotApproved
	}
	if !expiresAt.After(now) {
		return Grant{}, ErrPastExpiry
	}
	t := expiresAt.UTC()
	a.ExpiresAt = &t
	g.Status = a
	return g, nil
}

// Effective reports whether the grant allows an access at now.
func (g Grant) Effective(now time.Time) bool {
	a, ok := g.Status.(Approved)
	if !ok {
		return false
	}
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return false
	}
	if a.MaxAccesses != nil && g.AccessCount >= *a.MaxAccesses {
		return false
	}
	return true
}

// Remaining returns the accesses left, or -1 when unlimited.
func (g Grant) Remaining() int64 {
	a, ok := g.Status.(Approved)
	if !ok {
		return 0
	}
	if a.MaxAccesses == nil {
		return -1
	}
	return max(*a.MaxAccesses-g.AccessCount, 0)
}

// FromRow validates a stored row and lifts it into a Grant.
func FromRow(p *models.Permission) (Grant, error) {
	g := Grant{
		ID:            p.ID,
		VideoID:       p.VideoID,
		ConsumerID:    p.ConsumerID,
		Justification: p.Justification,
		RequestedAt:   p.RequestedAt,
		AccessCount:   p.AccessCount,
		LastAccessAt:  p.LastAccessAt,
	}
	if p.AccessCount < 0 {
		return Grant{}, ErrCorruptRow
	}

	approval := func() (*Approved, error) {
		if p.GrantedAt == nil || p.GrantedBy == nil {
			return nil, nil
		}
		if p.MaxAccesses != nil && *p.MaxAccesses <= 0 {
			return nil, ErrCorruptRow
		}
		return &Approved{GrantedAt: *p.GrantedAt, GrantedBy: *p.GrantedBy, ExpiresAt: p.ExpiresAt, MaxAccesses: p.MaxAccesses}, nil
	}

	switch p.State {
	case models.PermissionPending:
		if p.RevokedAt != nil {
			return Grant{}, ErrCorruptRow
		}
		g.Status = Pending{RequestedAt: p.RequestedAt}
	case models.PermissionApproved:
		if p.RevokedAt != nil {
			return Grant{}, ErrCorruptRow
		}
		a, err := approval()
		if err != nil {
			return Grant{}, err
		}
		if a == nil {
			return Grant{}, ErrCorruptRow
		}
		g.Status = *a
	case models.PermissionRevoked:
		if p.RevokedAt == nil || p.RevokedBy == nil {
			return Grant{}, ErrCorruptRow
		}
		a, err := approval()
		if err != nil {
			return Grant{}, err
		}
		g.Status = Revoked{At: *p.RevokedAt, By: *p.RevokedBy, Granted: a}
	default:
		return Grant{}, ErrCorruptRow
	}
	return g, nil
}

// Row flattens the grant for storage.
func (g Grant) Row() *models.Permission {
	p := &models.Permission{
		ID:            g.ID,
		VideoID:       g.VideoID,
		ConsumerID:    g.ConsumerID,
		State:         g.Status.State(),
		Justification: g.Justification,
		RequestedAt:   g.RequestedAt,
		AccessCount:   g.AccessCount,
		LastAccessAt:  g.LastAccessAt,
	}
	setApproval := func(a *Approved) {
		if a == nil {
			return
		}
		at, by := a.GrantedAt, a.GrantedBy
		p.GrantedAt = &at
		p.GrantedBy = &by
		p.ExpiresAt = a.ExpiresAt
		p.MaxAccesses = a.MaxAccesses
	}
	switch s := g.Status.(type) {
	case Approved:
		setApproval(&s)
	case Revoked:
		at, by := s.At, s.By
		p.RevokedAt = &at
		p.RevokedBy = &by
		setApproval(s.Granted)
	}
	return p
}
