// Package keydist hands out per-consumer key packages: the content key of a
// video re-wrapped under the consumer's public key, plus a short-lived
// capability token for the ciphertext stream.
package keydist

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/ledger"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/store"
)

const (
	DefaultTimeout  = 3 * time.Second
	DefaultTokenTTL = time.Hour
)

var ErrTimeout = fmt.Errorf("%w: key package timed out", fault.ErrInternal)

// KeyPackage is everything a consumer needs to decrypt one video locally.
// Byte fields encode as base64 in JSON.
type KeyPackage struct {
	WrappedKeyForConsumer []byte    `json:"wrappedKeyForConsumer"`
	Nonce                 []byte    `json:"nonce"`
	Tag                   []byte    `json:"tag"`
	Algorithm             string    `json:"algorithm"`
	Token                 string    `json:"token"`
	GeneratedAt           time.Time `json:"generatedAt"`
	ExpiresAt             time.Time `json:"expiresAt"`
}

// Keys is the part of the keystore this service needs.
type Keys interface {
	Signer
	Wrap(contentKey []byte, recipient *rsa.PublicKey) ([]byte, error)
	Unwrap(wrapped []byte) ([]byte, error)
}

// Grants is the part of the ledger this service needs.
type Grants interface {
	Effective(ctx context.Context, videoID, consumerID string) (*ledger.Grant, bool)
	IncrementAccessCount(ctx context.Context, permissionID string) (*ledger.Grant, error)
}

type Auditor interface {
	Append(ctx context.Context, e *models.AccessLogEntry)
}

type Backend interface {
	store.Videos
	store.Envelopes
}

type Options struct {
	Timeout  time.Duration
	TokenTTL time.Duration
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

type Service struct {
	keys    Keys
	st      Backend
	grants  Grants
	audit   Auditor
	tokens  *Tokens
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
}

func New(keys Keys, st Backend, grants Grants, audit Auditor, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Service{
		keys:    keys,
		st:      st,
		grants:  grants,
		audit:   audit,
		tokens:  NewTokens(keys, opts.Now),
		timeout: opts.Timeout,
		ttl:     opts.TokenTTL,
		now:     opts.Now,
		log:     opts.Logger.WithField("component", "keydist"),
	}
}

// ValidateToken reports whether token grants consumerID the stream of videoID.
func (s *Service) ValidateToken(token, videoID, consumerID string) bool {
	return s.tokens.Validate(token, videoID, consumerID)
}

// GetKeyPackage re-wraps the content key of videoID for the caller. Owners
// always succeed; everyone else needs an effective grant, and each package
// consumes one access. Every call leaves exactly one access-log entry.
func (s *Service) GetKeyPackage(ctx context.Context, p identity.Principal, videoID, consumerPublicKey string) (*KeyPackage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d := decision{}
	pkg, err := s.keyPackage(ctx, p, videoID, consumerPublicKey, &d)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, fault.ErrAccessDenied) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	fields := logrus.Fields{"video": videoID, "consumer": p.UserID, "owner": d.owner}
	var detail map[string]any
	if d.owner {
		detail = map[string]any{"owner": true}
	} else if d.grant != nil {
		detail = map[string]any{"permission": d.grant.ID, "remaining": d.grant.Remaining()}
	}
	msg := ""
	if err != nil {
		msg = err.Error()
		s.log.WithError(err).WithFields(fields).Warn("key package refused")
	} else {
		s.log.WithFields(fields).Info("key package issued")
	}
	s.audit.Append(ctx, models.NewAccessLogEntry(videoID, p.UserID, models.AccessKeyPackage, err == nil, msg, detail))

	if err != nil {
		return nil, err
	}
	return pkg, nil
}

type decision struct {
	owner bool
	grant *ledger.Grant
}

func (s *Service) keyPackage(ctx context.Context, p identity.Principal, videoID, consumerPublicKey string, d *decision) (*KeyPackage, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: no principal", fault.ErrAccessDenied)
	}
	pub, err := enc.ParsePublicKey(consumerPublicKey)
	if err != nil {
		return nil, err
	}

	v, err := s.st.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if v.State != models.VideoAvailable {
		return nil, fmt.Errorf("%w: video %s is not available", fault.ErrNotFound, videoID)
	}

	d.owner = v.OwnerID == p.UserID
	var grant *ledger.Grant
	if !d.owner {
		g, ok := s.grants.Effective(ctx, videoID, p.UserID)
		if !ok {
			return nil, fmt.Errorf("%w: no effective permission", fault.ErrAccessDenied)
		}
		grant = g
	}

	rec, err := s.st.GetEnvelope(ctx, videoID)
	if err != nil {
		return nil, err
	}
	wrapped, err := s.rewrap(rec.WrappedKey, pub)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.ttl).Truncate(time.Second)
	pkg := &KeyPackage{
		WrappedKeyForConsumer: wrapped,
		Nonce:                 append([]byte(nil), rec.Nonce...),
		Tag:                   append([]byte(nil), rec.Tag...),
		Algorithm:             rec.AEADAlgorithm(),
		Token:                 s.tokens.Mint(videoID, p.UserID, expiresAt),
		GeneratedAt:           now,
		ExpiresAt:             expiresAt,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.owner {
		g, err := s.grants.IncrementAccessCount(ctx, grant.ID)
		if err != nil {
			if errors.Is(err, fault.ErrConflict) {
				return nil, fmt.Errorf("%w: access limit reached", fault.ErrAccessDenied)
			}
			return nil, err
		}
		d.grant = g
	}
	return pkg, nil
}

func (s *Service) rewrap(wrapped []byte, pub *rsa.PublicKey) ([]byte, error) {
	key, err := s.keys.Unwrap(wrapped)
	if err != nil {
		return nil, err
	}
	defer enc.Zero(key)
	return s.keys.Wrap(key, pub)
}
