// Package httpapi exposes the reelvault core over HTTP. Every /api route
// needs a bearer JWT; handlers only translate between HTTP and the core.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/ingest"
	"github.com/thebluefowl/reelvault/internal/integrity"
	"github.com/thebluefowl/reelvault/internal/keydist"
	"github.com/thebluefowl/reelvault/internal/ledger"
	"github.com/thebluefowl/reelvault/internal/stream"
)

type Sealer interface {
	Seal(ctx context.Context, p identity.Principal, src io.Reader, req ingest.SealRequest) (*ingest.SealResult, error)
}

type Streamer interface {
	GetInfo(ctx context.Context, videoID string) (*stream.Info, error)
	Open(ctx context.Context, p identity.Principal, videoID, token, rangeHeader string) (*stream.Range, error)
}

type KeyDistributor interface {
	GetKeyPackage(ctx context.Context, p identity.Principal, videoID, consumerPublicKey string) (*keydist.KeyPackage, error)
}

type Ledger interface {
	RequestAccess(ctx context.Context, p identity.Principal, videoID, justification string) (*ledger.Grant, error)
	Approve(ctx context.Context, p identity.Principal, permissionID string, maxAccesses *int64, expiresAt *time.Time) (*ledger.Grant, error)
	Revoke(ctx context.Context, p identity.Principal, permissionID string) (*ledger.Grant, error)
	Extend(ctx context.Context, p identity.Principal, permissionID string, expiresAt time.Time) (*ledger.Grant, error)
	List(ctx context.Context, p identity.Principal, f ledger.Filter) ([]ledger.Grant, error)
	Get(ctx context.Context, p identity.Principal, permissionID string) (*ledger.Grant, error)
}

type Verifier interface {
	Check(ctx context.Context, p identity.Principal, videoID string, deep bool) (*integrity.Report, error)
}

type Deps struct {
	Sealer   Sealer
	Streamer Streamer
	Keys     KeyDistributor
	Ledger   Ledger
	Verifier Verifier
}

type Options struct {
	JWTSecret string
	Logger    logrus.FieldLogger
}

type Server struct {
	Deps
	secret string
	log    logrus.FieldLogger
}

// NewRouter builds the route table.
func NewRouter(deps Deps, opts Options) *mux.Router {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	s := &Server{
		Deps:   deps,
		secret: opts.JWTSecret,
		log:    opts.Logger.WithField("component", "http"),
	}

	r := mux.NewRouter()
	r.Use(s.logMiddleware)
	r.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	videos := api.PathPrefix("/videos").Subrouter()
	videos.HandleFunc("", s.sealVideo).Methods(http.MethodPost)
	videos.HandleFunc("/{id}", s.getVideo).Methods(http.MethodGet)
	videos.HandleFunc("/{id}/stream", s.streamVideo).Methods(http.MethodGet, http.MethodHead)
	videos.HandleFunc("/{id}/key-package", s.keyPackage).Methods(http.MethodPost)
	videos.HandleFunc("/{id}/permissions", s.requestAccess).Methods(http.MethodPost)
	videos.HandleFunc("/{id}/verify", s.verifyVideo).Methods(http.MethodGet)

	perms := api.PathPrefix("/permissions").Subrouter()
	perms.HandleFunc("", s.listPermissions).Methods(http.MethodGet)
	perms.HandleFunc("/{id}", s.getPermission).Methods(http.MethodGet)
	perms.HandleFunc("/{id}/approve", s.approvePermission).Methods(http.MethodPost)
	perms.HandleFunc("/{id}/revoke", s.revokePermission).Methods(http.MethodPost)
	perms.HandleFunc("/{id}/extend", s.extendPermission).Methods(http.MethodPost)

	return r
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondError renders err by kind. Only the generic public message reaches
// the client; the cause is logged.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	entry := s.log.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request refused")
	}
	respondMessage(w, status, fault.Public(err))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"bytes":    rec.bytes,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Info("request")
	})
}
