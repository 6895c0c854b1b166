// Package db provides the durable local store backing the offline action queue.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
)

// DBFileName is the sqlite database file created inside the data directory.
const DBFileName = "fieldsync.db"

// DB wraps sql.DB with the engine's sqlite configuration.
type DB struct {
	*sql.DB
}

// Open opens (creating on first use) the sqlite store under dataDir.
// The database is opened with:
// - WAL mode for concurrent reads alongside the single writer
// - foreign key constraints enabled
// - a busy timeout so short lock contention does not surface as errors
//
// Failures are reported with the STORAGE_UNAVAILABLE code so callers can
// warn that offline support is degraded.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	// modernc.org/sqlite: pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to enable WAL mode", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to enable foreign keys", err)
	}

	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to set busy timeout", err)
	}

	return &DB{sqlDB}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
