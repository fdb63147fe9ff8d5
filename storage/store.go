package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrPathRequired is returned when the database DSN is missing.
	ErrPathRequired = errors.New("storage dsn must be configured")
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a record already exists or is in the
	// wrong state for the requested change.
	ErrConflict = errors.New("storage: conflict")
	// ErrInvalid is returned for rejected input.
	ErrInvalid = errors.New("storage: invalid")
)

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// IsPostgres reports whether dsn addresses a PostgreSQL server.
func IsPostgres(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// Store is the GORM-backed persistence layer for routers, vouchers,
// sessions, nonces and audit events.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn and migrates the schema. PostgreSQL URLs and keyword
// DSNs use the postgres driver; anything else is treated as SQLite, either a
// "file:" DSN or a plain path.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	sqliteBacked := false
	switch {
	case IsPostgres(trimmed):
		dialector = postgres.Open(trimmed)
	case strings.HasPrefix(trimmed, "file:") || trimmed == ":memory:":
		dialector = sqlite.Open(trimmed)
		sqliteBacked = true
	default:
		fileDSN, err := FileDSN(trimmed)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(fileDSN)
		sqliteBacked = true
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if sqliteBacked {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		// SQLite allows a single writer; one connection serialises transactions.
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}
