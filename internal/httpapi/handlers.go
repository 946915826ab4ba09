package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/ingest"
	"github.com/thebluefowl/reelvault/internal/ledger"
	"github.com/thebluefowl/reelvault/internal/models"
)

const maxJSONBody = 64 << 10

func principal(r *http.Request) identity.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %w", fault.ErrValidation, err)
	}
	return nil
}

// permissionView is a grant as the API returns it.
type permissionView struct {
	*models.Permission
	Effective bool `json:"effective"`
	// Remaining is -1 when the grant has no access limit.
	Remaining int64 `json:"remaining"`
}

func viewOf(g *ledger.Grant) permissionView {
	return permissionView{
		Permission: g.Row(),
		Effective:  g.Effective(time.Now()),
		Remaining:  g.Remaining(),
	}
}

// videoView is a video as the API returns it; the blob locator stays internal.
type videoView struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	OwnerID       string            `json:"ownerId"`
	PlaintextSize int64             `json:"plaintextSize"`
	ContentType   string            `json:"contentType"`
	State         models.VideoState `json:"state"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func videoViewOf(v *models.Video) videoView {
	return videoView{
		ID:            v.ID,
		Title:         v.Title,
		OwnerID:       v.OwnerID,
		PlaintextSize: v.PlaintextSize,
		ContentType:   v.ContentType,
		State:         v.State,
		CreatedAt:     v.CreatedAt,
	}
}

// sealVideo takes the raw video as the request body.
func (s *Server) sealVideo(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sealer.Seal(r.Context(), principal(r), r.Body, ingest.SealRequest{
		Title:       r.URL.Query().Get("title"),
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, videoViewOf(res.Video))
}

func (s *Server) getVideo(w http.ResponseWriter, r *http.Request) {
	info, err := s.Streamer.GetInfo(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// streamVideo serves the ciphertext: 200 for the whole object, 206 for a
// range, 416 with "bytes */size" for an unsatisfiable one.
func (s *Server) streamVideo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rng, err := s.Streamer.Open(r.Context(), principal(r), id, r.URL.Query().Get("token"), r.Header.Get("Range"))
	if err != nil {
		if errors.Is(err, fault.ErrRangeNotSatisfiable) {
			if info, ierr := s.Streamer.GetInfo(r.Context(), id); ierr == nil {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
			}
		}
		s.respondError(w, r, err)
		return
	}
	defer rng.Body.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	h.Set("Cache-Control", "private, no-store")
	status := http.StatusOK
	if rng.Partial {
		h.Set("Content-Range", rng.ContentRange())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rng.Body); err != nil {
		s.log.WithError(err).WithField("video", id).Warn("stream interrupted")
	}
}

type keyPackageRequest struct {
	PublicKey string `json:"publicKey"`
}

func (s *Server) keyPackage(w http.ResponseWriter, r *http.Request) {
	var req keyPackageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	pkg, err := s.Keys.GetKeyPackage(r.Context(), principal(r), mux.Vars(r)["id"], req.PublicKey)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, pkg)
}

type accessRequest struct {
	Justification string `json:"justification"`
}

func (s *Server) requestAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	g, err := s.Ledger.RequestAccess(r.Context(), principal(r), mux.Vars(r)["id"], req.Justification)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(g))
}

func (s *Server) verifyVideo(w http.ResponseWriter, r *http.Request) {
	deep, _ := strconv.ParseBool(r.URL.Query().Get("deep"))
	rep, err := s.Verifier.Check(r.Context(), principal(r), mux.Vars(r)["id"], deep)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{VideoID: q.Get("videoId"), State: models.PermissionState(q.Get("state"))}
	switch f.State {
	case "", models.PermissionPending, models.PermissionApproved, models.PermissionRevoked:
	default:
		s.respondError(w, r, fmt.Errorf("%w: unknown state %q", fault.ErrValidation, f.State))
		return
	}
	grants, err := s.Ledger.List(r.Context(), principal(r), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]permissionView, 0, len(grants))
	for i := range grants {
		out = append(out, viewOf(&grants[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getPermission(w http.ResponseWriter, r *http.Request) {
	g, err := s.Ledger.Get(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(g))
}

type approveRequest struct {
	MaxAccesses *int64     `json:"maxAccesses"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

func (s *Server) approvePermission(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	// An empty body approves without limits.
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	g, err := s.Ledger.Approve(r.Context(), principal(r), mux.Vars(r)["id"], req.MaxAccesses, req.ExpiresAt)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(g))
}

func (s *Server) revokePermission(w http.ResponseWriter, r *http.Request) {
	g, err := s.Ledger.Revoke(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(g))
}

type extendRequest struct {
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (s *Server) extendPermission(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.ExpiresAt == nil {
		s.respondError(w, r, fmt.Errorf("%w: expiresAt required", fault.ErrValidation))
		return
	}
	g, err := s.Ledger.Extend(r.Context(), principal(r), mux.Vars(r)["id"], *req.ExpiresAt)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(g))
}
