// Package stream delivers stored ciphertext by byte range. It never sees a
// content key; consumers decrypt locally with their key package.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/retry"
	"github.com/thebluefowl/reelvault/internal/storage"
	"github.com/thebluefowl/reelvault/internal/store"
)

type TokenValidator interface {
	ValidateToken(token, videoID, consumerID string) bool
}

type AccessChecker interface {
	CheckEffectiveAccess(ctx context.Context, videoID, consumerID string) bool
}

type Recorder interface {
	Record(e *models.AccessLogEntry) bool
}

type Info struct {
	VideoID     string `json:"videoId"`
	Title       string `json:"title"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Range is one open byte range of a video's ciphertext. End is inclusive.
// The caller must close Body.
type Range struct {
	Start   int64
	End     int64
	Total   int64
	Partial bool
	Body    io.ReadCloser
}

func (r *Range) Length() int64 { return r.End - r.Start + 1 }

// ContentRange formats the Content-Range header value.
func (r *Range) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

type Options struct {
	Logger logrus.FieldLogger
}

type Streamer struct {
	videos store.Videos
	blobs  storage.Storage
	tokens TokenValidator
	access AccessChecker
	audit  Recorder
	log    logrus.FieldLogger
}

func New(videos store.Videos, blobs storage.Storage, tokens TokenValidator, access AccessChecker, audit Recorder, opts Options) *Streamer {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Streamer{
		videos: videos,
		blobs:  blobs,
		tokens: tokens,
		access: access,
		audit:  audit,
		log:    opts.Logger.WithField("component", "stream"),
	}
}

func (s *Streamer) available(ctx context.Context, videoID string) (*models.Video, error) {
	v, err := s.videos.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if v.State != models.VideoAvailable {
		return nil, fmt.Errorf("%w: video %s is not available", fault.ErrNotFound, videoID)
	}
	return v, nil
}

func (s *Streamer) GetInfo(ctx context.Context, videoID string) (*Info, error) {
	v, err := s.available(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return &Info{VideoID: v.ID, Title: v.Title, Size: v.PlaintextSize, ContentType: v.ContentType}, nil
}

// OpenRange opens [start, end] of the ciphertext. A nil start means 0 and a
// nil end means the last byte; an end past the object is clamped. Each call
// gets its own reader.
func (s *Streamer) OpenRange(ctx context.Context, videoID string, start, end *int64) (*Range, error) {
	v, err := s.available(ctx, videoID)
	if err != nil {
		return nil, err
	}
	r, err := resolve(start, end, v.PlaintextSize)
	if err != nil {
		return nil, err
	}
	err = retry.Do(ctx, func(ctx context.Context) error {
		body, err := s.blobs.Open(ctx, v.CiphertextKey, r.Start, r.Length())
		if err != nil {
			return err
		}
		r.Body = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func resolve(start, end *int64, total int64) (*Range, error) {
	r := &Range{Start: 0, End: total - 1, Total: total, Partial: start != nil || end != nil}
	if start != nil {
		r.Start = *start
	}
	if end != nil && *end < r.End {
		r.End = *end
	}
	if r.Start < 0 || r.Start >= total || r.End < r.Start {
		return nil, fmt.Errorf("%w: range %d-%d of %d", fault.ErrRangeNotSatisfiable, r.Start, r.End, total)
	}
	return r, nil
}

// Authorize admits the owner, a holder of a valid capability token, or a
// consumer with effective access. It returns how access was granted.
func (s *Streamer) Authorize(ctx context.Context, p identity.Principal, videoID, token string) (string, error) {
	if !p.Valid() {
		return "", fmt.Errorf("%w: no principal", fault.ErrAccessDenied)
	}
	v, err := s.available(ctx, videoID)
	if err != nil {
		return "", err
	}
	switch {
	case v.OwnerID == p.UserID:
		return "owner", nil
	case token != "" && s.tokens.ValidateToken(token, videoID, p.UserID):
		return "token", nil
	case s.access.CheckEffectiveAccess(ctx, videoID, p.UserID):
		return "permission", nil
	}
	return "", fmt.Errorf("%w: no access to video %s", fault.ErrAccessDenied, videoID)
}

// Open authorizes p, parses rangeHeader and opens the range. Every call is
// recorded in the access log without blocking the response.
func (s *Streamer) Open(ctx context.Context, p identity.Principal, videoID, token, rangeHeader string) (*Range, error) {
	via, err := s.Authorize(ctx, p, videoID, token)
	var r *Range
	if err == nil {
		var info *Info
		if info, err = s.GetInfo(ctx, videoID); err == nil {
			var start, end *int64
			if start, end, err = ParseRange(rangeHeader, info.Size); err == nil {
				r, err = s.OpenRange(ctx, videoID, start, end)
			}
		}
	}

	detail := map[string]any{}
	if via != "" {
		detail["via"] = via
	}
	if r != nil {
		detail["range"] = fmt.Sprintf("%d-%d", r.Start, r.End)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
		s.log.WithError(err).WithFields(logrus.Fields{"video": videoID, "consumer": p.UserID}).Debug("stream refused")
	}
	s.audit.Record(models.NewAccessLogEntry(videoID, p.UserID, models.AccessStream, err == nil, msg, detail))
	return r, err
}

var errBadRange = fmt.Errorf("%w: malformed range header", fault.ErrRangeNotSatisfiable)

// ParseRange parses a single byte range: bytes=a-b, bytes=a- or the suffix
// form bytes=-n. An empty header selects the whole object and returns nil
// bounds. Multiple ranges are not supported.
func ParseRange(header string, total int64) (start, end *int64, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil, errBadRange
	}
	if strings.Contains(spec, ",") {
		return nil, nil, fmt.Errorf("%w: multiple ranges", fault.ErrRangeNotSatisfiable)
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil, errBadRange
	}

	if first == "" {
		n, err := parseOffset(last)
		if err != nil || n == 0 {
			return nil, nil, errBadRange
		}
		s := max(total-n, 0)
		e := total - 1
		return &s, &e, nil
	}

	s, err := parseOffset(first)
	if err != nil {
		return nil, nil, errBadRange
	}
	if last == "" {
		return &s, nil, nil
	}
	e, err := parseOffset(last)
	if err != nil || e < s {
		return nil, nil, errBadRange
	}
	return &s, &e, nil
}

func parseOffset(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative offset")
	}
	return n, nil
}
