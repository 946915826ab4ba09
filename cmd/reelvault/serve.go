package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/reelvault/internal/audit"
	"github.com/thebluefowl/reelvault/internal/httpapi"
	"github.com/thebluefowl/reelvault/internal/ingest"
	"github.com/thebluefowl/reelvault/internal/integrity"
	"github.com/thebluefowl/reelvault/internal/keydist"
	"github.com/thebluefowl/reelvault/internal/ledger"
	"github.com/thebluefowl/reelvault/internal/stream"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// runServe is the composition root: the keystore is opened once here and
// handed to the services that need it.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	defer a.close()

	keys, err := a.openKeys()
	if err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return err
	}

	svc := a.cfg.Service
	rec := audit.NewRecorder(st, audit.Options{QueueSize: svc.AuditQueueSize, Logger: a.log})
	grants := ledger.New(st, ledger.Options{Logger: a.log})
	kd := keydist.New(keys, st, grants, rec, keydist.Options{
		Timeout:  svc.KeyPackageTimeout,
		TokenTTL: svc.TokenTTL,
		Logger:   a.log,
	})
	verifier := integrity.New(keys, st, blobs, integrity.Options{Logger: a.log, Audit: rec})

	router := httpapi.NewRouter(httpapi.Deps{
		Sealer:   ingest.NewSealer(keys, st, blobs, ingest.Options{MaxVideoBytes: svc.MaxVideoBytes, Logger: a.log}),
		Streamer: stream.New(st, blobs, kd, grants, rec, stream.Options{Logger: a.log}),
		Keys:     kd,
		Ledger:   grants,
		Verifier: verifier,
	}, httpapi.Options{JWTSecret: a.cfg.JWTSecret, Logger: a.log})

	if iv := a.cfg.Integrity; iv.Interval > 0 {
		go verifier.RunPeriodic(ctx, iv.Interval, iv.Deep)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", srv.Addr).WithField("fingerprint", keys.Fingerprint()).Info("listening")
		errCh <- srv.ListenAndServe()
	}()
	color.Green("✓ reelvault listening on %s", srv.Addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = rec.Close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("http shutdown")
	}
	if err := rec.Close(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("access log not fully flushed")
	}
	if n := rec.Dropped(); n > 0 {
		a.log.WithField("dropped", n).Warn("access log entries dropped")
	}
	return nil
}
