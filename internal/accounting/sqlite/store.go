// Package sqlite provides an embedded SQLite implementation of the ledger's
// transactional store. It backs local runs and the end-to-end service tests.
//
// Amounts are stored as decimal TEXT and aggregated in Go so no precision is
// lost to SQLite's floating point arithmetic. Timestamps are stored as
// fixed-width UTC text, which keeps lexical and chronological order equal.
// Writers are serialized by the store and by BEGIN IMMEDIATE transactions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// Store implements accounting.RepositoryPort on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens the database at path and migrates the schema. Use ":memory:" for
// a private in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("accounting/sqlite: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("accounting/sqlite: migrate: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_sequences (
	organization_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	scope TEXT NOT NULL,
	seq INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (organization_id, kind, scope)
);

CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL,
	code TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	subtype TEXT NOT NULL DEFAULT '',
	parent_id INTEGER REFERENCES accounts(id),
	level INTEGER NOT NULL DEFAULT 1,
	is_active INTEGER NOT NULL DEFAULT 1,
	is_system INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (organization_id, code)
);
CREATE INDEX IF NOT EXISTS idx_accounts_parent ON accounts(parent_id);

CREATE TABLE IF NOT EXISTS vouchers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	number TEXT NOT NULL,
	organization_id INTEGER NOT NULL,
	fiscal_year TEXT NOT NULL,
	type TEXT NOT NULL,
	date TEXT NOT NULL,
	reference_no TEXT NOT NULL DEFAULT '',
	reference_date TEXT,
	narration TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'DRAFT',
	debit_total TEXT NOT NULL DEFAULT '0',
	credit_total TEXT NOT NULL DEFAULT '0',
	created_by INTEGER NOT NULL DEFAULT 0,
	posted_by INTEGER,
	posted_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (organization_id, number)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	number TEXT NOT NULL,
	organization_id INTEGER NOT NULL,
	fiscal_year TEXT NOT NULL,
	transaction_date TEXT NOT NULL,
	transaction_type TEXT NOT NULL DEFAULT '',
	source_type TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	voucher_id INTEGER NOT NULL REFERENCES vouchers(id),
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	entry_type TEXT NOT NULL,
	amount TEXT NOT NULL,
	party_type TEXT NOT NULL DEFAULT '',
	party_id TEXT NOT NULL DEFAULT '',
	narration TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'DRAFT',
	reversed_by INTEGER,
	reversed_at TEXT,
	reversal_reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (organization_id, number)
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_voucher ON ledger_entries(voucher_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, status, transaction_date);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_source ON ledger_entries(organization_id, source_type, source_id);

CREATE TABLE IF NOT EXISTS voucher_sources (
	organization_id INTEGER NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	voucher_id INTEGER NOT NULL REFERENCES vouchers(id),
	created_at TEXT NOT NULL,
	UNIQUE (organization_id, source_type, source_id)
);

CREATE TABLE IF NOT EXISTS account_mappings (
	organization_id INTEGER NOT NULL,
	module TEXT NOT NULL,
	key TEXT NOT NULL,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (organization_id, module, key)
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor_id INTEGER NOT NULL DEFAULT 0,
	module TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	occurred_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	module TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// WithTx executes fn within a write transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("accounting/sqlite: begin: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &txRepository{tx: sqlTx}); err != nil {
		return mapError(err)
	}
	return mapError(sqlTx.Commit())
}

// mapError translates busy databases and collisions on generated numbers into
// accounting.ErrConcurrentModification.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch {
	case sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %s", accounting.ErrConcurrentModification, sqlErr.Error())
	case sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		msg := sqlErr.Error()
		for _, table := range []string{"accounts.", "vouchers.", "ledger_entries.", "ledger_sequences."} {
			if strings.Contains(msg, table) {
				return fmt.Errorf("%w: %s", accounting.ErrConcurrentModification, msg)
			}
		}
	case sqlErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		return &accounting.ValidationError{Reason: "referenced record does not exist"}
	}
	return err
}

// timeLayout is fixed width so stored values sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("accounting/sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

var _ accounting.RepositoryPort = (*Store)(nil)
