package database

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/noah-isme/madrasa-sync/pkg/config"
)

// NewPostgres returns the PostgreSQL pool backing the remote record store.
func NewPostgres(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return db, nil
}

// Migrate creates the sync_records table when missing.
func Migrate(db *sqlx.DB) error {
	const ddl = `CREATE TABLE IF NOT EXISTS sync_records (
	id           UUID PRIMARY KEY,
	record_type  TEXT NOT NULL,
	natural_key  TEXT NOT NULL,
	descriptor   JSONB NOT NULL,
	payload      JSONB NOT NULL,
	device_id    TEXT NOT NULL,
	mutation_id  TEXT NOT NULL,
	mutation_version INTEGER NOT NULL DEFAULT 1,
	recorded_at  TIMESTAMPTZ NOT NULL,
	written_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (record_type, natural_key)
);
ALTER TABLE sync_records ADD COLUMN IF NOT EXISTS mutation_version INTEGER NOT NULL DEFAULT 1`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("migrate sync_records: %w", err)
	}
	return nil
}
