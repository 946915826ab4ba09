package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/config"
	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/keystore"
	"github.com/thebluefowl/reelvault/internal/storage"
	"github.com/thebluefowl/reelvault/internal/storage/local"
	"github.com/thebluefowl/reelvault/internal/storage/s3"
	"github.com/thebluefowl/reelvault/internal/store"
	"github.com/thebluefowl/reelvault/internal/store/badgerstore"
	"github.com/thebluefowl/reelvault/internal/store/gormstore"
)

// app holds what every command needs. Fields are opened lazily so a command
// only touches the backends it uses.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	st    store.Store
	blobs storage.Storage
	keys  *keystore.Store
}

func newApp() (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log}, nil
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: LOG_LEVEL: %w", config.ErrInvalid, err)
	}
	log.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func (a *app) openStore() (store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	c := a.cfg.Store
	var (
		st  store.Store
		err error
	)
	switch c.Driver {
	case config.StorePostgres:
		st, err = gormstore.Connect(gormstore.Config{
			DSN:          c.PGDSN,
			Host:         c.PGHost,
			Port:         c.PGPort,
			User:         c.PGUser,
			Password:     c.PGPassword,
			Database:     c.PGDatabase,
			SSLMode:      c.PGSSLMode,
			Embedded:     c.PGEmbedded,
			EmbeddedDir:  c.PGEmbeddedDir,
			EmbeddedPort: c.PGEmbeddedPort,
			Logger:       a.log,
		})
	case config.StoreBadger:
		if err = os.MkdirAll(c.BadgerDir, 0o700); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		st, err = badgerstore.Open(badgerstore.Options{Dir: c.BadgerDir, Logger: a.log})
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalid, c.Driver)
	}
	if err != nil {
		return nil, err
	}
	a.st = st
	return st, nil
}

func (a *app) openBlobs(ctx context.Context) (storage.Storage, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	c := a.cfg.Blob
	var (
		blobs storage.Storage
		err   error
	)
	switch c.Driver {
	case config.BlobS3:
		blobs, err = s3.New(ctx, &s3.Opts{
			Bucket:      c.S3Bucket,
			Region:      c.S3Region,
			Endpoint:    c.S3Endpoint,
			AccessKey:   c.S3AccessKey,
			SecretKey:   c.S3SecretKey,
			PathStyle:   c.S3PathStyle,
			PartSizeMB:  c.S3PartSizeMB,
			Concurrency: c.S3Concurrency,
		})
	case config.BlobLocal:
		blobs, err = local.New(c.Dir)
	default:
		return nil, fmt.Errorf("%w: unknown blob driver %q", config.ErrInvalid, c.Driver)
	}
	if err != nil {
		return nil, err
	}
	a.blobs = blobs
	return blobs, nil
}

// openKeys loads the keystore. It must already exist; `reelvault init`
// creates it. With KEYSTORE_AGE_IDENTITY set nothing is prompted.
func (a *app) openKeys() (*keystore.Store, error) {
	if a.keys != nil {
		return a.keys, nil
	}
	c := a.cfg.Keystore
	if _, err := os.Stat(c.Path); err != nil {
		return nil, fmt.Errorf("keystore %s not found, run `reelvault init` first: %w", c.Path, err)
	}
	pass := c.Passphrase
	if pass == "" && c.AgeIdentity == "" {
		var err error
		if pass, err = askPassphrase(); err != nil {
			return nil, fmt.Errorf("failed to get keystore passphrase: %w", err)
		}
	}
	ks, err := keystore.Open(a.keystoreOptions(pass))
	if err != nil {
		return nil, err
	}
	a.keys = ks
	return ks, nil
}

func (a *app) keystoreOptions(pass string) keystore.Options {
	c := a.cfg.Keystore
	suite, err := enc.NewSuite(c.AEADAlgorithm)
	if err != nil {
		a.log.WithError(err).Warn("unknown AEAD_ALGORITHM, using the default suite")
		suite = enc.DefaultSuite()
	}
	return keystore.Options{
		Path:             c.Path,
		Passphrase:       pass,
		AgeIdentity:      c.AgeIdentity,
		KeyBits:          c.RSAKeyBits,
		MACIterations:    c.MACIterations,
		ScryptWorkFactor: c.ScryptWorkFactor,
		Suite:            &suite,
		Logger:           a.log,
	}
}

func (a *app) close() {
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.WithError(err).Warn("closing store")
		}
	}
}
