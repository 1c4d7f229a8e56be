// Package store is the canonical persistence layer for runs, positions,
// orders, fills, signals, events, snapshots, cursors, and backtest output.
//
// Production deployments use PostgreSQL; a filesystem path selects SQLite
// for local development and tests. Two invariants live in the schema, not
// the application:
//
//   - at most one NEW/OPEN position per (run, symbol, side), enforced by a
//     partial unique index;
//   - one backtest run is claimed by exactly one worker, enforced by a
//     row lock with skip-locked semantics inside a short transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Domain error codes surfaced to callers. ErrPositionExists is the store's
// translation of the partial unique index firing; the guard layer treats it
// as a signal rejection, never a fatal run error.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrPositionExists    = errors.New("store: active position already exists")
	ErrCursorRegression  = errors.New("store: cursor would move backwards")
	ErrInvalidTransition = errors.New("store: illegal run status transition")
)

const maxErrorLen = 1024

// Store wraps the gorm handle. All methods are safe for concurrent use.
type Store struct {
	db       *gorm.DB
	dialect  string
}

// Open connects to the store and migrates the schema. A postgres:// or
// postgresql:// URL selects the PostgreSQL driver; anything else is treated
// as a SQLite path (":memory:" works for tests).
func Open(url string, poolMax int) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)

	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = gorm.Open(postgres.Open(url), gcfg)
	} else {
		db, err = gorm.Open(sqlite.Open(url), gcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store pool: %w", err)
	}
	if poolMax > 0 {
		sqlDB.SetMaxOpenConns(poolMax)
		sqlDB.SetMaxIdleConns(poolMax)
	}
	sqlDB.SetConnMaxIdleTime(time.Minute)

	s := &Store{db: db, dialect: db.Dialector.Name()}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&Run{}, &Position{}, &Order{}, &Fill{}, &SignalRow{},
		&AccountSnapshot{}, &PriceSnapshot{}, &Event{}, &Cursor{},
		&BTResult{}, &BTEquity{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Partial unique index: one in-flight position per (run, symbol, side).
	// Supported identically by PostgreSQL and SQLite.
	err = s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_active
		ON positions(run_id, symbol, side)
		WHERE status IN ('NEW','OPEN')`).Error
	if err != nil {
		return fmt.Errorf("create active-position index: %w", err)
	}
	return nil
}

// Transact runs fn inside one database transaction. The Store handed to fn
// is bound to that transaction; every write through it commits or rolls
// back as a unit.
func (s *Store) Transact(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, dialect: s.dialect})
	})
}

// DB exposes the shared gorm handle for read-only consumers such as the
// market data reader.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// truncate bounds operator-visible error messages.
func truncate(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	return msg[:n]
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
