// Package integrity checks stored videos against their envelopes: the
// ciphertext MAC without decrypting, and optionally a full decrypt and
// plaintext hash comparison.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/envelope"
	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/pipeline"
	"github.com/thebluefowl/reelvault/internal/storage"
	"github.com/thebluefowl/reelvault/internal/store"
)

const (
	StageFetch   = "fetch"
	StageDecrypt = "decrypt"
)

type Keys interface {
	Suite() enc.Suite
	Unwrap(wrapped []byte) ([]byte, error)
	DeriveMacKey(accountID, email string) ([]byte, error)
}

type Backend interface {
	store.Videos
	store.Envelopes
	store.Accounts
}

type Recorder interface {
	Record(e *models.AccessLogEntry) bool
}

type Result struct {
	VideoID string `json:"videoId"`
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// Report is the outcome of checking one video. Content is nil unless a deep
// check ran. Error is set when the check itself could not complete.
type Report struct {
	VideoID   string    `json:"videoId"`
	Title     string    `json:"title"`
	Authentic *Result   `json:"authentic,omitempty"`
	Content   *Result   `json:"content,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// OK reports whether every check that ran passed.
func (r *Report) OK() bool {
	if r.Error != "" || r.Authentic == nil || !r.Authentic.Valid {
		return false
	}
	return r.Content == nil || r.Content.Valid
}

type Options struct {
	Logger logrus.FieldLogger
	// Audit, when set, receives one verify entry per Check.
	Audit Recorder
	// Progress, when set, is asked for a writer per stage of a deep check.
	Progress func(stage string) io.Writer
}

type Verifier struct {
	keys     Keys
	st       Backend
	blobs    storage.Storage
	audit    Recorder
	progress func(stage string) io.Writer
	log      logrus.FieldLogger
}

func New(keys Keys, st Backend, blobs storage.Storage, opts Options) *Verifier {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Verifier{
		keys:     keys,
		st:       st,
		blobs:    blobs,
		audit:    opts.Audit,
		progress: opts.Progress,
		log:      opts.Logger.WithField("component", "integrity"),
	}
}

func (v *Verifier) load(ctx context.Context, videoID string) (*models.Video, *envelope.Record, error) {
	vid, err := v.st.GetVideo(ctx, videoID)
	if err != nil {
		return nil, nil, err
	}
	if vid.State != models.VideoAvailable {
		return nil, nil, fmt.Errorf("%w: video %s is not available", fault.ErrNotFound, videoID)
	}
	rec, err := v.st.GetEnvelope(ctx, videoID)
	if err != nil {
		return nil, nil, err
	}
	return vid, rec, nil
}

// VerifyCiphertextAuthenticity recomputes the owner's MAC over the stored
// ciphertext. Nothing is decrypted.
func (v *Verifier) VerifyCiphertextAuthenticity(ctx context.Context, videoID string) (*Result, error) {
	vid, rec, err := v.load(ctx, videoID)
	if err != nil {
		return nil, err
	}
	acct, err := v.st.GetAccount(ctx, vid.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("owner account: %w", err)
	}
	macKey, err := v.keys.DeriveMacKey(acct.ID, acct.Email)
	if err != nil {
		return nil, err
	}
	defer enc.Zero(macKey)

	rc, err := v.blobs.Open(ctx, vid.CiphertextKey, 0, -1)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return &Result{VideoID: videoID, Message: "ciphertext missing"}, nil
		}
		return nil, err
	}
	defer rc.Close()

	suite := v.keys.Suite()
	mac := suite.MAC.New(macKey)
	if _, err := io.Copy(mac, rc); err != nil {
		return nil, fmt.Errorf("%w: read ciphertext: %w", fault.ErrIO, err)
	}
	if !suite.MAC.Equal(mac.Sum(nil), rec.MAC) {
		return &Result{VideoID: videoID, Message: "ciphertext MAC mismatch"}, nil
	}
	return &Result{VideoID: videoID, Valid: true, Message: "ciphertext authentic"}, nil
}

// VerifyContentIntegrity decrypts the stored ciphertext and compares the
// plaintext hash with the envelope. Fetch and decrypt run as two stages.
func (v *Verifier) VerifyContentIntegrity(ctx context.Context, videoID string) (*Result, error) {
	vid, rec, err := v.load(ctx, videoID)
	if err != nil {
		return nil, err
	}
	suite := v.keys.Suite()
	if rec.AEADAlgorithm() != suite.AEAD.Algorithm() {
		if suite, err = enc.NewSuite(rec.AEADAlgorithm()); err != nil {
			return nil, fmt.Errorf("%w: %w", fault.ErrCrypto, err)
		}
	}

	key, err := v.keys.Unwrap(rec.WrappedKey)
	if err != nil {
		return nil, err
	}
	defer enc.Zero(key)

	var opened *enc.AEADResult
	fetch := func(ctx context.Context, _ io.Reader, w io.Writer) error {
		rc, err := v.blobs.Open(ctx, vid.CiphertextKey, 0, -1)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(w, v.observe(StageFetch, rc))
		return err
	}
	decrypt := func(ctx context.Context, r io.Reader, _ io.Writer) error {
		res, err := suite.OpenStream(io.Discard, v.observe(StageDecrypt, r), key, rec.AEADParams(), vid.PlaintextSize)
		if err != nil {
			return err
		}
		opened = res
		return nil
	}

	err = pipeline.PipeGraph(ctx, fetch, decrypt)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return &Result{VideoID: videoID, Message: "ciphertext missing"}, nil
	case errors.Is(err, enc.ErrInputTooLarge):
		return &Result{VideoID: videoID, Message: "ciphertext longer than recorded size"}, nil
	case enc.IsAuthFailure(err):
		return &Result{VideoID: videoID, Message: "authentication tag mismatch"}, nil
	case err != nil:
		return nil, err
	}
	if opened.TotalPlain != vid.PlaintextSize || !enc.VerifySHA256(opened.PlainSHA, rec.PlainDigest()) {
		return &Result{VideoID: videoID, Message: "plaintext hash mismatch"}, nil
	}
	return &Result{VideoID: videoID, Valid: true, Message: "content intact"}, nil
}

func (v *Verifier) observe(stage string, r io.Reader) io.Reader {
	if v.progress == nil {
		return r
	}
	if w := v.progress(stage); w != nil {
		return io.TeeReader(r, w)
	}
	return r
}

func (v *Verifier) report(ctx context.Context, vid *models.Video, deep bool) Report {
	rep := Report{VideoID: vid.ID, Title: vid.Title, CheckedAt: time.Now().UTC()}
	res, err := v.VerifyCiphertextAuthenticity(ctx, vid.ID)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Authentic = res
	if deep {
		res, err := v.VerifyContentIntegrity(ctx, vid.ID)
		if err != nil {
			rep.Error = err.Error()
			return rep
		}
		rep.Content = res
	}
	return rep
}

// Check verifies one video on behalf of its owner and records the attempt.
func (v *Verifier) Check(ctx context.Context, p identity.Principal, videoID string, deep bool) (*Report, error) {
	vid, err := v.st.GetVideo(ctx, videoID)
	if err == nil && vid.OwnerID != p.UserID {
		err = fmt.Errorf("%w: only the owner may verify a video", fault.ErrAccessDenied)
	}
	var rep Report
	if err == nil {
		rep = v.report(ctx, vid, deep)
	}
	if v.audit != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		} else if !rep.OK() {
			msg = "integrity check failed"
		}
		v.audit.Record(models.NewAccessLogEntry(videoID, p.UserID, models.AccessVerify, err == nil && rep.OK(), msg, map[string]any{"deep": deep}))
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// Audit checks every available video. A failing video does not stop the run.
func (v *Verifier) Audit(ctx context.Context, deep bool) ([]Report, error) {
	videos, err := v.st.ListVideos(ctx, store.VideoFilter{State: models.VideoAvailable})
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(videos))
	for i := range videos {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep := v.report(ctx, &videos[i], deep)
		if !rep.OK() {
			v.log.WithFields(logrus.Fields{
				"video": rep.VideoID,
				"error": rep.Error,
			}).Warn("integrity check failed")
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// RunPeriodic audits every interval until ctx ends.
func (v *Verifier) RunPeriodic(ctx context.Context, interval time.Duration, deep bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			reports, err := v.Audit(ctx, deep)
			if err != nil && ctx.Err() == nil {
				v.log.WithError(err).Error("periodic integrity audit failed")
				continue
			}
			failed := 0
			for i := range reports {
				if !reports[i].OK() {
					failed++
				}
			}
			v.log.WithFields(logrus.Fields{
				"videos":   len(reports),
				"failed":   failed,
				"deep":     deep,
				"duration": time.Since(start).Round(time.Millisecond),
			}).Info("periodic integrity audit finished")
		}
	}
}
