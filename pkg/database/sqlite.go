package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig holds SQLite configuration for standalone (single venue) deployments
type SQLiteConfig struct {
	// Path is a file path or a "file:" URI (e.g. file:test?mode=memory&cache=shared)
	Path string
	// BusyTimeout is how long a connection waits on a locked database
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns default configuration
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:        "./data/fwe-access.db",
		BusyTimeout: 5 * time.Second,
	}
}

// DSN returns the modernc.org/sqlite connection string with per-connection pragmas
func (c *SQLiteConfig) DSN() string {
	base := c.Path
	if !strings.HasPrefix(base, "file:") {
		base = "file:" + base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf(
		"%s%s_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
		base, sep, c.BusyTimeout.Milliseconds(),
	)
}

// SQLiteDB wraps a single-connection *sql.DB and its write worker
type SQLiteDB struct {
	db     *sql.DB
	writer *Worker
	config *SQLiteConfig
}

// NewSQLite opens the database file and starts the single writer
func NewSQLite(ctx context.Context, cfg *SQLiteConfig) (*SQLiteDB, error) {
	if cfg == nil {
		cfg = DefaultSQLiteConfig()
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if !strings.HasPrefix(cfg.Path, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// One connection: every reader and the writer share it, so SQLITE_BUSY cannot happen in-process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return &SQLiteDB{
		db:     db,
		writer: NewWorker(db),
		config: cfg,
	}, nil
}

// DB returns the underlying *sql.DB
func (s *SQLiteDB) DB() *sql.DB {
	return s.db
}

// Writer returns the single-writer transaction queue
func (s *SQLiteDB) Writer() *Worker {
	return s.writer
}

// HealthCheck performs a health check on the database
func (s *SQLiteDB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database
func (s *SQLiteDB) Close() error {
	if s.writer != nil {
		s.writer.Close()
	}
	return s.db.Close()
}
