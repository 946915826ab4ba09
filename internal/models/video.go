package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

type VideoState string

const (
	VideoProcessing VideoState = "processing"
	VideoAvailable  VideoState = "available"
	VideoError      VideoState = "error"
	VideoDeleted    VideoState = "deleted"
)

const DefaultContentType = "application/octet-stream"

// Video is an owner-uploaded asset. CiphertextKey locates the sealed blob and
// does not change once the video is available.
type Video struct {
	ID            string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title         string     `gorm:"not null" json:"title"`
	OwnerID       string     `gorm:"column:owner_id;not null;index" json:"ownerId"`
	CiphertextKey string     `gorm:"column:ciphertext_key;not null" json:"ciphertextKey"`
	PlaintextSize int64      `gorm:"column:plaintext_size;default:0" json:"plaintextSize"`
	ContentType   string     `gorm:"column:content_type;not null" json:"contentType"`
	State         VideoState `gorm:"type:varchar(16);not null;index" json:"state"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Video) TableName() string { return "videos" }

// NewVideoID returns a time-ordered id.
func NewVideoID() string { return ksuid.New().String() }

// CiphertextKeyFor is the blob locator for a video id.
func CiphertextKeyFor(videoID string) string { return "videos/" + videoID + ".enc" }
