package models

import (
	"time"

	"github.com/google/uuid"
)

type PermissionState string

const (
	PermissionPending  PermissionState = "pending"
	PermissionApproved PermissionState = "approved"
	PermissionRevoked  PermissionState = "revoked"
)

// Permission is the persisted row of the access ledger. One row exists per
// (video, consumer) pair. Use the ledger package to interpret it; the flat
// shape here exists for storage only.
type Permission struct {
	ID            string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	VideoID       string          `gorm:"column:video_id;not null;uniqueIndex:idx_permission_video_consumer" json:"videoId"`
	ConsumerID    string          `gorm:"column:consumer_id;not null;uniqueIndex:idx_permission_video_consumer;index" json:"consumerId"`
	State         PermissionState `gorm:"type:varchar(16);not null;index" json:"state"`
	Justification string          `gorm:"type:text" json:"justification"`
	RequestedAt   time.Time       `gorm:"column:requested_at;not null" json:"requestedAt"`
	GrantedAt     *time.Time      `gorm:"column:granted_at" json:"grantedAt,omitempty"`
	GrantedBy     *string         `gorm:"column:granted_by" json:"grantedBy,omitempty"`
	ExpiresAt     *time.Time      `gorm:"column:expires_at" json:"expiresAt,omitempty"`
	MaxAccesses   *int64          `gorm:"column:max_accesses" json:"maxAccesses,omitempty"`
	AccessCount   int64           `gorm:"column:access_count;not null;default:0" json:"accessCount"`
	LastAccessAt  *time.Time      `gorm:"column:last_access_at" json:"lastAccessAt,omitempty"`
	RevokedAt     *time.Time      `gorm:"column:revoked_at" json:"revokedAt,omitempty"`
	RevokedBy     *string         `gorm:"column:revoked_by" json:"revokedBy,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

func (Permission) TableName() string { return "permissions" }

func NewPermissionID() string { return uuid.NewString() }

// Effective evaluates the access predicate at now.
func (p *Permission) Effective(now time.Time) bool {
	if p == nil || p.State != PermissionApproved || p.RevokedAt != nil {
		return false
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	if p.MaxAccesses != nil && p.AccessCount >= *p.MaxAccesses {
		return false
	}
	return true
}

// PermissionFilter narrows ListPermissions. Empty fields match everything.
type PermissionFilter struct {
	VideoIDs   []string
	ConsumerID string
	State      PermissionState
}

func (f PermissionFilter) Match(p *Permission) bool {
	if f.ConsumerID != "" && p.ConsumerID != f.ConsumerID {
		return false
	}
	if f.State != "" && p.State != f.State {
		return false
	}
	if f.VideoIDs != nil {
		for _, id := range f.VideoIDs {
			if id == p.VideoID {
				return true
			}
		}
		return false
	}
	return true
}
