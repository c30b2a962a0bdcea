// Package storage keeps a local SQLite archive of confirmed messages and filed documents.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "archive.db"
	// DefaultDocumentsDirName holds filed attachment bytes next to the database.
	DefaultDocumentsDirName = "documents"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id     TEXT PRIMARY KEY,
  from_identity  TEXT NOT NULL,
  to_identity    TEXT NOT NULL,
  content        TEXT NOT NULL DEFAULT '',
  sent_at        INTEGER NOT NULL,
  is_read        INTEGER NOT NULL DEFAULT 0,
  delivery_state TEXT NOT NULL CHECK(delivery_state IN ('delivered','read')) DEFAULT 'delivered',
  archived_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_from_time
ON messages (from_identity, sent_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_to_time
ON messages (to_identity, sent_at);
`,
	`
CREATE TABLE IF NOT EXISTS message_attachments (
  message_id TEXT PRIMARY KEY REFERENCES messages(message_id) ON DELETE CASCADE,
  name       TEXT NOT NULL,
  media_type TEXT NOT NULL DEFAULT '',
  size_bytes INTEGER NOT NULL,
  payload    TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS documents (
  digest      TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  media_type  TEXT NOT NULL DEFAULT '',
  size_bytes  INTEGER NOT NULL,
  stored_path TEXT NOT NULL,
  filed_at    INTEGER NOT NULL
);
`,
}

// Archive is a thin wrapper around a SQLite connection.
type Archive struct {
	db           *sql.DB
	documentsDir string

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) archive.db under the given data directory and runs migrations.
func Open(dataDir string) (*Archive, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	archive, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return archive, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations. Documents are
// stored in a sibling directory.
func OpenPath(dbPath string) (*Archive, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	archive := &Archive{
		db:                    db,
		documentsDir:          filepath.Join(filepath.Dir(dbPath), DefaultDocumentsDirName),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := archive.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := archive.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := archive.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	archive.startWALCheckpointLoop()

	return archive, nil
}

// Close closes the SQLite connection.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	var closeErr error
	a.closeOnce.Do(func() {
		if a.walCheckpointStop != nil {
			close(a.walCheckpointStop)
			a.walCheckpointWG.Wait()
		}
		closeErr = a.db.Close()
	})
	return closeErr
}

func (a *Archive) applyMigrations() error {
	var version int
	if err := a.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (a *Archive) enableWALMode() error {
	var journalMode string
	if err := a.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (a *Archive) checkpointWAL() error {
	if _, err := a.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (a *Archive) startWALCheckpointLoop() {
	interval := a.walCheckpointInterval
	if interval <= 0 || a.walCheckpointStop == nil {
		return
	}

	a.walCheckpointWG.Add(1)
	go func() {
		defer a.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = a.checkpointWAL()
			case <-a.walCheckpointStop:
				return
			}
		}
	}()
}
