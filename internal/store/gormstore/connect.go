package gormstore

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultEmbeddedDir  = "./pg_data"
	defaultEmbeddedPort = 5433
	embeddedPassword    = "postgres"
)

type Config struct {
	// DSN, when set, is used verbatim and the fields below are ignored.
	DSN      string
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string

	// Embedded starts a local postgres process (dev mode).
	Embedded     bool
	EmbeddedDir  string
	EmbeddedPort int

	Logger   logrus.FieldLogger
	LogLevel logger.LogLevel
}

func (c Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, ssl)
}

// Connect opens postgres (external or embedded), migrates the schema and
// returns a ready Store.
func Connect(cfg Config) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	var embedded *embeddedpostgres.EmbeddedPostgres
	if cfg.Embedded {
		if cfg.EmbeddedDir == "" {
			cfg.EmbeddedDir = defaultEmbeddedDir
		}
		if cfg.EmbeddedPort == 0 {
			cfg.EmbeddedPort = defaultEmbeddedPort
		}
		log.WithField("dir", cfg.EmbeddedDir).Info("starting embedded postgres")

		cleanupStaleEmbedded(cfg.EmbeddedDir, log)
		if err := waitPortFree(cfg.EmbeddedPort); err != nil {
			return nil, err
		}

		embedded = embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
			DataPath(cfg.EmbeddedDir).
			Port(uint32(cfg.EmbeddedPort)).
			Database(cfg.Database).
			Username(cfg.User).
			Password(embeddedPassword))
		if err := embedded.Start(); err != nil {
			return nil, fmt.Errorf("gormstore: start embedded database: %w", err)
		}
		cfg.DSN = ""
		cfg.Host = "localhost"
		cfg.Port = strconv.Itoa(cfg.EmbeddedPort)
		cfg.Password = embeddedPassword
	} else {
		log.WithField("host", cfg.Host).Info("connecting to postgres")
	}

	level := cfg.LogLevel
	if level == 0 {
		level = logger.Silent
	}
	db, err := gorm.Open(postgres.Open(cfg.dsn()), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("gormstore: connect: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	s, err := New(db, log)
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, err
	}
	s.embedded = embedded
	return s, nil
}

// cleanupStaleEmbedded stops a postgres left running by a crashed process.
func cleanupStaleEmbedded(dir string, log logrus.FieldLogger) {
	pidFile := filepath.Join(dir, "postmaster.pid")
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	first, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		log.WithError(err).Warn("could not parse postmaster.pid")
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		log.WithField("pid", pid).Info("removing stale postmaster.pid")
		os.Remove(pidFile)
		return
	}

	log.WithField("pid", pid).Warn("stopping orphaned postgres")
	_ = proc.Signal(syscall.SIGTERM)
	for i := 0; i < 10; i++ {
		time.Sleep(500 * time.Millisecond)
		if proc.Signal(syscall.Signal(0)) != nil {
			os.Remove(pidFile)
			return
		}
	}
	_ = proc.Kill()
	time.Sleep(500 * time.Millisecond)
	os.Remove(pidFile)
}

func waitPortFree(port int) error {
	for i := 0; i < 7; i++ {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		if err != nil {
			return nil
		}
		conn.Close()
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("gormstore: port %d is still in use by another process", port)
}
