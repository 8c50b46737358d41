package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	// pure Go SQLite driver, no cgo needed on classroom machines
	_ "modernc.org/sqlite"

	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

// SQLiteStoreConfig configures the on-disk local store.
type SQLiteStoreConfig struct {
	// Path to the database file, or ":memory:".
	Path string
	// BusyTimeout in milliseconds.
	BusyTimeout int
}

// SQLiteStore persists key/value pairs in a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	getStmt    *sql.Stmt
	setStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	keysStmt   *sql.Stmt
}

// uriPathEscaper percent-encodes the characters that end or escape the path of a SQLite URI filename.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// NewSQLiteStore opens (and creates when missing) the local store database.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = "madrasa-sync.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		uriPathEscaper.Replace(cfg.Path), cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// One writer keeps ":memory:" databases shared and matches the single-process ownership model.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite store schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	if s.getStmt, err = s.db.Prepare(`SELECT value FROM kv WHERE key = ?`); err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}
	if s.setStmt, err = s.db.Prepare(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`); err != nil {
		return fmt.Errorf("prepare set: %w", err)
	}
	if s.deleteStmt, err = s.db.Prepare(`DELETE FROM kv WHERE key = ?`); err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	if s.keysStmt, err = s.db.Prepare(`SELECT key FROM kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key`); err != nil {
		return fmt.Errorf("prepare keys: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sqlite store is closed")
	}
	return nil
}

// Get reads a value or returns ErrKeyNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a value.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.setStmt.ExecContext(ctx, key, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

// Keys lists keys sharing prefix.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.keysStmt.QueryContext(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite keys %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases statements and the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, stmt := range []*sql.Stmt{s.getStmt, s.setStmt, s.deleteStmt, s.keysStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
