package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type AccessKind string

const (
	AccessKeyPackage AccessKind = "key_package"
	AccessStream     AccessKind = "stream"
	AccessVerify     AccessKind = "verify"
)

// AccessLogEntry records one access decision. Rows are append-only.
type AccessLogEntry struct {
	ID         string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	VideoID    string         `gorm:"column:video_id;not null;index" json:"videoId"`
	ConsumerID string         `gorm:"column:consumer_id;not null;index" json:"consumerId"`
	Kind       AccessKind     `gorm:"type:varchar(32);not null" json:"kind"`
	Success    bool           `gorm:"not null" json:"success"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	Detail     datatypes.JSON `gorm:"type:jsonb" json:"detail,omitempty"`
	Timestamp  time.Time      `gorm:"column:occurred_at;not null;index" json:"timestamp"`
}

func (AccessLogEntry) TableName() string { return "access_log" }

// NewAccessLogEntry fills ID and Timestamp. detail may be nil.
func NewAccessLogEntry(videoID, consumerID string, kind AccessKind, success bool, errMsg string, detail map[string]any) *AccessLogEntry {
	e := &AccessLogEntry{
		ID:         uuid.NewString(),
		VideoID:    videoID,
		ConsumerID: consumerID,
		Kind:       kind,
		Success:    success,
		Error:      errMsg,
		Timestamp:  time.Now().UTC(),
	}
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = datatypes.JSON(b)
		}
	}
	return e
}

// AccessLogFilter narrows ListAccessLog. Zero values match everything.
type AccessLogFilter struct {
	VideoID    string
	ConsumerID string
	Since      time.Time
	Limit      int
}

func (f AccessLogFilter) Match(e *AccessLogEntry) bool {
	if f.VideoID != "" && e.VideoID != f.VideoID {
		return false
	}
	if f.ConsumerID != "" && e.ConsumerID != f.ConsumerID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
