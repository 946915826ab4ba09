// Package ingest seals an owner's upload: encrypt under a fresh content key,
// authenticate the ciphertext, store it, and record the envelope.
package ingest

import (
	"bufio"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/envelope"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/pipeline"
	"github.com/thebluefowl/reelvault/internal/retry"
	"github.com/thebluefowl/reelvault/internal/storage"
	"github.com/thebluefowl/reelvault/internal/store"
)

// DefaultMaxVideoBytes bounds the in-memory seal buffer.
const DefaultMaxVideoBytes int64 = 2 << 30

const (
	StageEncrypt = "encrypt"
	StageMAC     = "mac"
	StageUpload  = "upload"
)

var ErrNoMacKey = fmt.Errorf("%w: owner has no registered mac key", fault.ErrValidation)

// Keys is the part of the keystore the sealer needs.
type Keys interface {
	Suite() enc.Suite
	PublicKey() *rsa.PublicKey
	Wrap(contentKey []byte, recipient *rsa.PublicKey) ([]byte, error)
	DeriveMacKey(accountID, email string) ([]byte, error)
}

type Backend interface {
	store.Videos
	store.Accounts
}

type Options struct {
	MaxVideoBytes int64
	Logger        logrus.FieldLogger
}

type Sealer struct {
	keys  Keys
	st    Backend
	blobs storage.Storage
	max   int64
	log   logrus.FieldLogger
}

func NewSealer(keys Keys, st Backend, blobs storage.Storage, opts Options) *Sealer {
	if opts.MaxVideoBytes <= 0 {
		opts.MaxVideoBytes = DefaultMaxVideoBytes
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Sealer{
		keys:  keys,
		st:    st,
		blobs: blobs,
		max:   opts.MaxVideoBytes,
		log:   opts.Logger.WithField("component", "ingest"),
	}
}

// SealRequest describes an upload. Progress, when set, is asked for one
// writer per stage and receives the bytes flowing through it.
type SealRequest struct {
	Title       string
	ContentType string
	Progress    func(stage string) io.Writer
}

type SealResult struct {
	Video    *models.Video
	Envelope *envelope.Record
}

// Seal encrypts src for p and stores it. The video row exists as processing
// while the stages run; it becomes available together with its envelope, or
// error if anything fails.
func (s *Sealer) Seal(ctx context.Context, p identity.Principal, src io.Reader, req SealRequest) (*SealResult, error) {
	if !p.Valid() || !p.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins may upload", fault.ErrAccessDenied)
	}
	acct, err := s.st.GetAccount(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, ErrNoMacKey
		}
		return nil, err
	}
	if strings.TrimSpace(acct.Email) == "" {
		return nil, ErrNoMacKey
	}
	macKey, err := s.keys.DeriveMacKey(acct.ID, acct.Email)
	if err != nil {
		return nil, err
	}
	defer enc.Zero(macKey)

	suite := s.keys.Suite()
	contentKey, err := enc.NewContentKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrCrypto, err)
	}
	defer enc.Zero(contentKey)
	params, err := enc.NewAEADParams(suite.AEAD.Algorithm())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrCrypto, err)
	}

	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = models.DefaultContentType
	}
	// reject an empty body before any row exists
	br := bufio.NewReader(src)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, enc.ErrEmptyInput
		}
		return nil, fmt.Errorf("%w: read upload: %w", fault.ErrIO, err)
	}

	id := models.NewVideoID()
	v := &models.Video{
		ID:            id,
		Title:         strings.TrimSpace(req.Title),
		OwnerID:       p.UserID,
		CiphertextKey: models.CiphertextKeyFor(id),
		ContentType:   contentType,
		State:         models.VideoProcessing,
	}
	if err := s.st.CreateVideo(ctx, v); err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{"video": id, "owner": p.UserID})
	start := time.Now()

	sp := &sealPipeline{
		suite:      suite,
		contentKey: contentKey,
		params:     params,
		max:        s.max,
		mac:        suite.MAC.New(macKey),
		blobs:      s.blobs,
		blobKey:    v.CiphertextKey,
		videoID:    id,
		progress:   req.Progress,
		src:        br,
	}
	if err := sp.run(ctx); err != nil {
		s.fail(ctx, log, id, err, false)
		return nil, err
	}

	wrapped, err := s.keys.Wrap(contentKey, s.keys.PublicKey())
	if err != nil {
		s.fail(ctx, log, id, err, true)
		return nil, err
	}
	rec := &envelope.Record{
		VideoID:    id,
		WrappedKey: wrapped,
		Nonce:      sp.result.Params.Nonce,
		Tag:        sp.result.Params.Tag,
		MAC:        sp.mac.Sum(nil),
		PlainSHA:   sp.result.PlainSHA[:],
		Version:    envelope.VersionFor(suite),
		CreatedAt:  time.Now().UTC(),
	}
	err = retry.Do(ctx, func(ctx context.Context) error {
		return s.st.CompleteVideo(ctx, id, sp.result.TotalPlain, rec)
	})
	if err != nil {
		s.fail(ctx, log, id, err, true)
		return nil, err
	}

	v.State = models.VideoAvailable
	v.PlaintextSize = sp.result.TotalPlain
	log.WithFields(logrus.Fields{
		"bytes":     sp.result.TotalPlain,
		"algorithm": rec.AEADAlgorithm(),
		"duration":  time.Since(start).Round(time.Millisecond),
	}).Info("video sealed")
	return &SealResult{Video: v, Envelope: rec}, nil
}

// fail marks the video as error. With blobWritten the ciphertext is removed
// first so no blob outlives a failed seal. A rejected upload leaves no row.
func (s *Sealer) fail(ctx context.Context, log logrus.FieldLogger, videoID string, cause error, blobWritten bool) {
	ctx = context.WithoutCancel(ctx)
	if !blobWritten && errors.Is(cause, fault.ErrValidation) {
		log.WithError(cause).Warn("upload rejected")
		if err := s.st.DeleteVideo(ctx, videoID); err != nil {
			log.WithError(err).Error("could not delete rejected video")
		}
		return
	}
	log.WithError(cause).Error("seal failed")
	if blobWritten {
		if err := s.blobs.Delete(ctx, models.CiphertextKeyFor(videoID)); err != nil {
			log.WithError(err).Error("could not delete orphaned ciphertext")
		}
	}
	if err := s.st.SetVideoState(ctx, videoID, models.VideoError); err != nil {
		log.WithError(err).Error("could not mark video as failed")
	}
}

// sealPipeline runs encrypt -> mac -> upload as one stage graph.
type sealPipeline struct {
	suite      enc.Suite
	contentKey []byte
	params     enc.AEADParams
	max        int64
	mac        hash.Hash
	blobs      storage.Storage
	blobKey    string
	videoID    string
	progress   func(stage string) io.Writer
	src        io.Reader

	result *enc.AEADResult
}

func (sp *sealPipeline) run(ctx context.Context) error {
	observers := []io.Writer{sp.mac}
	if w := sp.writer(StageMAC); w != nil {
		observers = append(observers, w)
	}
	return pipeline.PipeGraph(ctx, sp.encryptStage, pipeline.Tee(observers...), sp.uploadStage)
}

func (sp *sealPipeline) writer(stage string) io.Writer {
	if sp.progress == nil {
		return nil
	}
	return sp.progress(stage)
}

func (sp *sealPipeline) observe(stage string, r io.Reader) io.Reader {
	if w := sp.writer(stage); w != nil {
		return io.TeeReader(r, w)
	}
	return r
}

func (sp *sealPipeline) encryptStage(ctx context.Context, _ io.Reader, w io.Writer) error {
	res, err := sp.suite.SealStream(w, sp.observe(StageEncrypt, sp.src), sp.contentKey, sp.params, sp.max)
	if err != nil {
		return fmt.Errorf("encrypt stage: %w", err)
	}
	sp.result = res
	return nil
}

func (sp *sealPipeline) uploadStage(ctx context.Context, r io.Reader, _ io.Writer) error {
	meta := map[string]string{"video-id": sp.videoID}
	if err := sp.blobs.Upload(ctx, sp.blobKey, sp.observe(StageUpload, r), "application/octet-stream", meta); err != nil {
		return fmt.Errorf("upload stage: %w", err)
	}
	return nil
}
