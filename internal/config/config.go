// Package config reads reelvault settings from the environment. An optional
// .env file is loaded first; variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/thebluefowl/reelvault/internal/enc"
)

var ErrInvalid = errors.New("config: invalid")

const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
	BlobLocal     = "local"
	BlobS3        = "s3"
)

type Config struct {
	HTTPAddr  string
	JWTSecret string

	Keystore  KeystoreConfig
	Store     StoreConfig
	Blob      BlobConfig
	Service   ServiceConfig
	Integrity IntegrityConfig
	Log       LogConfig
}

type KeystoreConfig struct {
	Path string
	// Passphrase may be empty; the CLI then prompts for it.
	Passphrase string
	// AgeIdentity, when set, seals the keystore to an age X25519 identity
	// (a secret key or an identity file path) so it opens unattended.
	AgeIdentity      string
	RSAKeyBits       int
	MACIterations    int
	AEADAlgorithm    string
	ScryptWorkFactor int
}

type StoreConfig struct {
	Driver    string
	BadgerDir string

	PGDSN          string
	PGHost         string
	PGPort         string
	PGUser         string
	PGPassword     string
	PGDatabase     string
	PGSSLMode      string
	PGEmbedded     bool
	PGEmbeddedDir  string
	PGEmbeddedPort int
}

type BlobConfig struct {
	Driver string
	Dir    string

	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3PathStyle   bool
	S3PartSizeMB  int64
	S3Concurrency int
}

type ServiceConfig struct {
	TokenTTL          time.Duration
	KeyPackageTimeout time.Duration
	MaxVideoBytes     int64
	AuditQueueSize    int
}

type IntegrityConfig struct {
	// Interval of the periodic audit. Zero disables it.
	Interval time.Duration
	Deep     bool
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads the environment after loading envFile, or ".env" when envFile
// is empty. A missing .env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	p := &parser{}
	cfg := &Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Keystore: KeystoreConfig{
			Path:             getEnv("KEYSTORE_PATH", "./data/keystore.age"),
			Passphrase:       os.Getenv("KEYSTORE_PASSPHRASE"),
			AgeIdentity:      os.Getenv("KEYSTORE_AGE_IDENTITY"),
			RSAKeyBits:       p.int("RSA_KEY_BITS", enc.DefaultRSABits),
			MACIterations:    p.int("MAC_KDF_ITERATIONS", 100_000),
			AEADAlgorithm:    getEnv("AEAD_ALGORITHM", enc.AESGCM.Algorithm()),
			ScryptWorkFactor: p.int("KEYSTORE_SCRYPT_WORK_FACTOR", 0),
		},
		Store: StoreConfig{
			Driver:         strings.ToLower(getEnv("STORE_DRIVER", StoreBadger)),
			BadgerDir:      getEnv("BADGER_PATH", "./data/badger"),
			PGDSN:          os.Getenv("PG_DSN"),
			PGHost:         getEnv("PG_HOST", "localhost"),
			PGPort:         getEnv("PG_PORT", "5432"),
			PGUser:         getEnv("PG_USERNAME", "postgres"),
			PGPassword:     os.Getenv("PG_PASSWORD"),
			PGDatabase:     getEnv("PG_DATABASE", "reelvault"),
			PGSSLMode:      getEnv("PG_SSLMODE", "disable"),
			PGEmbedded:     p.bool("PG_EMBEDDED", false),
			PGEmbeddedDir:  getEnv("PG_EMBEDDED_DIR", "./data/pg"),
			PGEmbeddedPort: p.int("PG_EMBEDDED_PORT", 5433),
		},
		Blob: BlobConfig{
			Driver:        strings.ToLower(getEnv("BLOB_DRIVER", BlobLocal)),
			Dir:           getEnv("BLOB_DIR", "./data/blobs"),
			S3Bucket:      os.Getenv("S3_BUCKET"),
			S3Region:      getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:    os.Getenv("S3_ENDPOINT"),
			S3AccessKey:   os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey:   os.Getenv("S3_SECRET_KEY"),
			S3PathStyle:   p.bool("S3_PATH_STYLE", false),
			S3PartSizeMB:  p.int64("S3_PART_SIZE_MB", 16),
			S3Concurrency: p.int("S3_CONCURRENCY", 4),
		},
		Service: ServiceConfig{
			TokenTTL:          p.duration("TOKEN_TTL", time.Hour),
			KeyPackageTimeout: p.duration("KEY_PACKAGE_TIMEOUT", 3*time.Second),
			MaxVideoBytes:     p.int64("MAX_VIDEO_BYTES", 2<<30),
			AuditQueueSize:    p.int("AUDIT_QUEUE_SIZE", 1024),
		},
		Integrity: IntegrityConfig{
			Interval: p.duration("INTEGRITY_INTERVAL", 0),
			Deep:     p.bool("INTEGRITY_DEEP", false),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		},
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate checks the settings needed to run the server.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("%w: JWT_SECRET is required", ErrInvalid))
	}
	if c.Keystore.Path == "" {
		errs = append(errs, fmt.Errorf("%w: KEYSTORE_PATH is required", ErrInvalid))
	}
	if c.Keystore.Passphrase != "" && c.Keystore.AgeIdentity != "" {
		errs = append(errs, fmt.Errorf("%w: set only one of KEYSTORE_PASSPHRASE and KEYSTORE_AGE_IDENTITY", ErrInvalid))
	}
	if c.Keystore.RSAKeyBits < enc.MinRSABits {
		errs = append(errs, fmt.Errorf("%w: RSA_KEY_BITS must be at least %d", ErrInvalid, enc.MinRSABits))
	}
	if _, err := enc.NewSuite(c.Keystore.AEADAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("%w: AEAD_ALGORITHM: %w", ErrInvalid, err))
	}
	switch c.Store.Driver {
	case StoreBadger, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("%w: STORE_DRIVER %q is not badger or postgres", ErrInvalid, c.Store.Driver))
	}
	switch c.Blob.Driver {
	case BlobLocal:
	case BlobS3:
		if c.Blob.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("%w: S3_BUCKET is required for the s3 blob driver", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: BLOB_DRIVER %q is not local or s3", ErrInvalid, c.Blob.Driver))
	}
	if c.Service.TokenTTL <= 0 || c.Service.KeyPackageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: TOKEN_TTL and KEY_PACKAGE_TIMEOUT must be positive", ErrInvalid))
	}
	if c.Service.MaxVideoBytes <= 0 {
		errs = append(errs, fmt.Errorf("%w: MAX_VIDEO_BYTES must be positive", ErrInvalid))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: LOG_FORMAT %q is not text or json", ErrInvalid, c.Log.Format))
	}
	return errors.Join(errs...)
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%w: %s=%q: %w", ErrInvalid, key, value, err))
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) int64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
