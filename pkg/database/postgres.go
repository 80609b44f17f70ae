package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"longevity-sync/pkg/config"

	_ "github.com/lib/pq"
)

// pingTimeout bounds the startup connectivity check so a dead host falls back to memory quickly
const pingTimeout = 5 * time.Second

// NewPostgresDB opens the pool, applies the pool limits from cfg and verifies the server answers
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s@%s:%d/%s: %w", cfg.User, cfg.Host, cfg.Port, cfg.Database, err)
	}
	configurePool(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	return db, nil
}

func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// WithTx runs fn in one transaction. fn's error is returned unwrapped and rolls everything back;
// a nil return commits.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes db if it is non-nil
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
