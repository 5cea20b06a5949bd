// Package store is the sqlite persistence layer: users, api keys, providers,
// model pricing, the billing ledger, request logs, and runtime settings.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite handle and the query builder dialect.
type Store struct {
	db *sql.DB
	q  goqu.DialectWrapper
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. Transactions acquire the write lock up front so balance debits
// serialize cleanly.
func Open(path string) (*Store, error) {
	dsn := path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(5)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("store: setting dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrating: %w", err)
	}

	return &Store{db: db, q: goqu.Dialect("sqlite3")}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for transactional callers (billing).
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// modelPrefixes are the provider prefixes stripped during model id
// canonicalization, longest separator first.
var modelPrefixSeparators = []string{"--", "/", "."}

// CanonicalModelID strips a known provider prefix from a model id so pricing
// lookups hit one row regardless of how the provider namespaces its models.
func CanonicalModelID(model string) string {
	for _, sep := range modelPrefixSeparators {
		if i := strings.Index(model, sep); i > 0 {
			candidate := model[i+len(sep):]
			if candidate != "" && looksLikeProviderPrefix(model[:i]) {
				return candidate
			}
		}
	}
	return model
}

// looksLikeProviderPrefix guards canonicalization against stripping model
// names that legitimately contain a separator (e.g. "gpt-4.1" keeps its dot).
func looksLikeProviderPrefix(prefix string) bool {
	if prefix == "" {
		return false
	}
	for _, r := range prefix {
		if r >= '0' && r <= '9' {
			return false
		}
	}
	return true
}
