package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/fault"
)

const formatPrefix = "reelvault.1"

// Record is the persisted envelope for one video. It is written once when the
// video becomes available and never updated.
type Record struct {
	VideoID    string    `gorm:"primaryKey;type:varchar(64)" json:"videoId"`
	WrappedKey []byte    `gorm:"type:bytea;not null" json:"wrappedKey"`
	Nonce      []byte    `gorm:"type:bytea;not null" json:"nonce"`
	Tag        []byte    `gorm:"type:bytea;not null" json:"tag"`
	MAC        []byte    `gorm:"column:mac;type:bytea;not null" json:"mac"`
	PlainSHA   []byte    `gorm:"column:plain_sha;type:bytea;not null" json:"plainSha"`
	Version    string    `gorm:"type:varchar(128);not null" json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (Record) TableName() string { return "envelopes" }

// VersionFor returns the version tag describing the algorithms of s.
func VersionFor(s enc.Suite) string {
	return formatPrefix + "/" + s.AEAD.Algorithm() + "/" + s.Asymmetric.Algorithm()
}

// AEADAlgorithm extracts the content cipher name from the version tag.
func (r *Record) AEADAlgorithm() string {
	parts := strings.Split(r.Version, "/")
	if len(parts) != 3 || parts[0] != formatPrefix {
		return ""
	}
	return parts[1]
}

// AEADParams returns the parameters needed to open the ciphertext.
func (r *Record) AEADParams() enc.AEADParams {
	return enc.AEADParams{Algorithm: r.AEADAlgorithm(), Nonce: r.Nonce, Tag: r.Tag}
}

// PlainDigest returns PlainSHA as a fixed-size array.
func (r *Record) PlainDigest() [32]byte {
	var d [32]byte
	copy(d[:], r.PlainSHA)
	return d
}

// Validate checks field sizes before the record is persisted.
func (r *Record) Validate() error {
	switch {
	case r.VideoID == "":
		return fmt.Errorf("%w: envelope: missing video id", fault.ErrValidation)
	case len(r.WrappedKey) == 0:
		return fmt.Errorf("%w: envelope: missing wrapped key", fault.ErrValidation)
	case len(r.Nonce) != enc.NonceSize:
		return fmt.Errorf("%w: envelope: nonce must be %d bytes", fault.ErrValidation, enc.NonceSize)
	case len(r.Tag) != enc.TagSize:
		return fmt.Errorf("%w: envelope: tag must be %d bytes", fault.ErrValidation, enc.TagSize)
	case len(r.MAC) == 0:
		return fmt.Errorf("%w: envelope: missing mac", fault.ErrValidation)
	case len(r.PlainSHA) != 32:
		return fmt.Errorf("%w: envelope: plaintext digest must be 32 bytes", fault.ErrValidation)
	case r.AEADAlgorithm() == "":
		return fmt.Errorf("%w: envelope: unrecognized version %q", fault.ErrValidation, r.Version)
	}
	return nil
}
