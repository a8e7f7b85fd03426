// Package storage provides persistent storage using SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/barter/internal/swap"
	"github.com/klingon-exchange/barter/pkg/helpers"
)

// DatabaseFile is the SQLite file created in the data directory.
const DatabaseFile = "barter.db"

// Storage provides persistent storage for the barter engine. One Storage
// implements every repository port of package swap.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := helpers.ExpandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// SwapStores returns s as the repository bundle the engine needs.
func (s *Storage) SwapStores() swap.Stores {
	return swap.Stores{
		Requests:      s,
		Locks:         s,
		Contracts:     s,
		Transfers:     s,
		CounterOffers: s,
		Disputes:      s,
		Escrow:        s,
	}
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Swap requests and their assets
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS swap_requests (
		id TEXT PRIMARY KEY,
		initiator_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		listing_id TEXT,
		mode TEXT NOT NULL,

		-- Full terms (JSON), versioned by counter-offers
		terms TEXT NOT NULL,
		terms_version INTEGER NOT NULL DEFAULT 1,

		status TEXT NOT NULL DEFAULT 'pending',

		-- Timing (unix milliseconds)
		expires_at INTEGER NOT NULL,
		accepted_at INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status_expires ON swap_requests(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_requests_initiator ON swap_requests(initiator_id);
	CREATE INDEX IF NOT EXISTS idx_requests_target ON swap_requests(target_id);

	CREATE TABLE IF NOT EXISTS swap_assets (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		side TEXT NOT NULL,
		asset_type TEXT NOT NULL,
		asset_ref TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		description TEXT NOT NULL,
		value TEXT,
		transferred_at INTEGER,

		FOREIGN KEY (request_id) REFERENCES swap_requests(id),
		UNIQUE(request_id, side)
	);

	CREATE INDEX IF NOT EXISTS idx_assets_ref ON swap_assets(asset_ref);

	-- One row per locked asset; the primary key is the lock
	CREATE TABLE IF NOT EXISTS asset_locks (
		asset_ref TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		locked_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_locks_request ON asset_locks(request_id);

	-- =========================================================================
	-- Contracts and the ownership ledger
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS swap_contracts (
		request_id TEXT PRIMARY KEY,
		terms_hash TEXT NOT NULL,
		terms_version INTEGER NOT NULL,
		terms_snapshot BLOB NOT NULL,
		initiator_signature TEXT,
		initiator_signed_at INTEGER,
		target_signature TEXT,
		target_signed_at INTEGER,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (request_id) REFERENCES swap_requests(id)
	);

	CREATE TABLE IF NOT EXISTS ownership_transfers (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		asset_ref TEXT NOT NULL,
		asset_type TEXT NOT NULL,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		transfer_type TEXT NOT NULL,
		amount TEXT,
		chain_ref TEXT,
		completed_at INTEGER NOT NULL,

		FOREIGN KEY (request_id) REFERENCES swap_requests(id),
		UNIQUE(request_id, asset_ref)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_asset ON ownership_transfers(asset_ref);

	-- =========================================================================
	-- Counter-offers, disputes and escrow
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS counter_offers (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		counter_initiator_id TEXT NOT NULL,
		terms TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		responded_at INTEGER,

		FOREIGN KEY (request_id) REFERENCES swap_requests(id)
	);

	CREATE INDEX IF NOT EXISTS idx_counters_request ON counter_offers(request_id, status);
	CREATE INDEX IF NOT EXISTS idx_counters_expires ON counter_offers(status, expires_at);

	CREATE TABLE IF NOT EXISTS disputes (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		disputer_id TEXT NOT NULL,
		disputed_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		prior_status TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		resolution TEXT,
		resolver_id TEXT,
		raised_at INTEGER NOT NULL,
		deadline INTEGER NOT NULL,
		resolved_at INTEGER,
		settled_at INTEGER,

		FOREIGN KEY (request_id) REFERENCES swap_requests(id)
	);

	-- At most one open dispute per request
	CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_open ON disputes(request_id) WHERE status = 'open';
	CREATE INDEX IF NOT EXISTS idx_disputes_deadline ON disputes(status, deadline);

	CREATE TABLE IF NOT EXISTS escrow_holds (
		request_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		terms_version INTEGER NOT NULL,
		payer_id TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		gateway_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (request_id, attempt),
		FOREIGN KEY (request_id) REFERENCES swap_requests(id)
	);

	-- =========================================================================
	-- Directory read models (profiles and listings)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		reputation INTEGER NOT NULL DEFAULT 0,
		verified INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		swap_enabled INTEGER NOT NULL DEFAULT 0,
		accepted_swap_types TEXT,
		accepted_asset_types TEXT,
		minimum_reputation INTEGER NOT NULL DEFAULT 0,
		require_verified INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	-- =========================================================================
	-- Notification outbox (reliable delivery with retry)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS notification_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- <event>:<entity id>, for deduplication
		event TEXT NOT NULL,
		request_id TEXT NOT NULL,
		recipients TEXT NOT NULL,             -- JSON array of user ids
		payload BLOB NOT NULL,                -- Full notification JSON

		-- Retry tracking
		created_at INTEGER NOT NULL,
		retry_count INTEGER DEFAULT 0,
		last_attempt_at INTEGER,
		next_retry_at INTEGER NOT NULL,

		-- Delivery status: pending, delivered, failed
		delivered_at INTEGER,
		status TEXT DEFAULT 'pending',
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON notification_outbox(status, next_retry_at)
		WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_outbox_request ON notification_outbox(request_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", swap.ErrNotFound, what, id)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}
