package database

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Source of truth for all trading state
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything the engine believes about positions lives here, never in memory.
// Writers that read-modify-write position state do so inside Transaction with
// row locks; on PostgreSQL that is SELECT ... FOR UPDATE, on SQLite the
// single-writer file lock already serializes them.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNotFound wraps gorm.ErrRecordNotFound so callers outside this package
// do not import gorm to test for absence.
var ErrNotFound = gorm.ErrRecordNotFound

// Deadlock retry policy for contended transactions.
const (
	txMaxAttempts = 3
	txRetryDelay  = 100 * time.Millisecond
)

type Database struct {
	db       *gorm.DB
	postgres bool
}

// New opens the database at url and migrates the schema. A postgres:// or
// postgresql:// URL selects PostgreSQL; anything else is a SQLite path.
func New(url string) (*Database, error) {
	var (
		db  *gorm.DB
		err error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	isPostgres := strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
	if isPostgres {
		db, err = gorm.Open(postgres.Open(url), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(url); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(url), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", url).Msg("Database initialized (SQLite)")
	}

	d := &Database{db: db, postgres: isPostgres}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

// migrate creates the schema plus the indexes AutoMigrate cannot express.
func (d *Database) migrate() error {
	err := d.db.AutoMigrate(
		&User{},
		&ExchangeCredential{},
		&RiskSettings{},
		&DCAConfiguration{},
		&PositionGroup{},
		&Pyramid{},
		&DCAOrder{},
		&QueuedSignal{},
		&RiskAction{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// One live group per (user, symbol, exchange, timeframe, side). The
	// partial unique index makes duplicate admission a constraint violation
	// even if two requests race past the application check. Both PostgreSQL
	// and SQLite accept this syntax.
	err = d.db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_one_live
		 ON position_groups (user_id, symbol, exchange, timeframe, side)
		 WHERE status NOT IN ('closed','failed')`,
	).Error
	if err != nil {
		return fmt.Errorf("create live-group index: %w", err)
	}

	// Only one queued row per scope; replacements overwrite it.
	err = d.db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_one_waiting
		 ON queued_signals (user_id, symbol, exchange, timeframe, side)
		 WHERE status = 'queued'`,
	).Error
	if err != nil {
		return fmt.Errorf("create queued-signal index: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for one-off queries and tests.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Postgres reports whether the store runs on PostgreSQL.
func (d *Database) Postgres() bool {
	return d.postgres
}

// Transaction runs fn atomically, retrying up to three times on deadlock,
// serialization failure, or a locked SQLite file. Retries back off with
// jitter so two colliding writers do not re-collide in step.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = d.db.Transaction(fn)
		if err == nil {
			return nil
		}
		if !retryableTxError(err) || attempt == txMaxAttempts {
			return err
		}
		delay := txRetryDelay*time.Duration(attempt) + time.Duration(rand.Int63n(int64(txRetryDelay)))
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("⚠️ Transaction conflict, retrying")
		time.Sleep(delay)
	}
	return err
}

// retryableTxError matches deadlocks (40P01), serialization failures (40001)
// and SQLite busy errors. Anything else aborts immediately.
func retryableTxError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "40p01") ||
		strings.Contains(msg, "40001") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// ForUpdate applies a row lock on PostgreSQL. SQLite has no FOR UPDATE;
// its writers are already serial, so the clause is skipped there.
func (d *Database) ForUpdate(tx *gorm.DB) *gorm.DB {
	if !d.postgres {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsUniqueViolation reports whether err is a unique-constraint failure, on
// either dialect. Admission races on the live-group index surface as this.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed")
}
