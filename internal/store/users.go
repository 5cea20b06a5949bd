package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/howard-nolan/llmgateway/internal/money"
)

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// HashAPIKey returns the hex sha256 digest under which keys are stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewID returns a new ULID string for ledger and request-log rows.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

type userRow struct {
	ID               string    `db:"id"`
	Name             string    `db:"name"`
	Role             string    `db:"role"`
	Enabled          bool      `db:"enabled"`
	BalanceNanoUSD   string    `db:"balance_nano_usd"`
	BalanceUnlimited bool      `db:"balance_unlimited"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r userRow) toUser() (*User, error) {
	balance, err := money.ParseNano(r.BalanceNanoUSD)
	if err != nil {
		return nil, fmt.Errorf("store: user %s: %w", r.ID, err)
	}
	return &User{
		ID:               r.ID,
		Name:             r.Name,
		Role:             r.Role,
		Enabled:          r.Enabled,
		BalanceNano:      balance,
		BalanceUnlimited: r.BalanceUnlimited,
		CreatedAt:        r.CreatedAt,
	}, nil
}

// GetUser loads one user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	query, args, err := s.q.From("users").Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building user query: %w", err)
	}
	return scanUser(s.db.QueryRowContext(ctx, query, args...))
}

// GetUserTx loads a user inside a transaction (balance re-read for debits).
func (s *Store) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (*User, error) {
	query, args, err := s.q.From("users").Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building user query: %w", err)
	}
	return scanUser(tx.QueryRowContext(ctx, query, args...))
}

func scanUser(row *sql.Row) (*User, error) {
	var r userRow
	err := row.Scan(&r.ID, &r.Name, &r.Role, &r.Enabled, &r.BalanceNanoUSD, &r.BalanceUnlimited, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning user: %w", err)
	}
	return r.toUser()
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	query, args, err := s.q.Insert("users").Rows(goqu.Record{
		"id":                u.ID,
		"name":              u.Name,
		"role":              u.Role,
		"enabled":           u.Enabled,
		"balance_nano_usd":  u.BalanceNano.NanoString(),
		"balance_unlimited": u.BalanceUnlimited,
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building user insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: inserting user %s: %w", u.ID, err)
	}
	return nil
}

// SetBalanceTx writes the user's balance fields inside a transaction.
func (s *Store) SetBalanceTx(ctx context.Context, tx *sql.Tx, userID string, balance money.Money, unlimited bool) error {
	query, args, err := s.q.Update("users").Set(goqu.Record{
		"balance_nano_usd":  balance.NanoString(),
		"balance_unlimited": unlimited,
	}).Where(goqu.Ex{"id": userID}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building balance update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: updating balance for %s: %w", userID, err)
	}
	return nil
}

// AppendLedgerTx appends a ledger entry inside a transaction.
func (s *Store) AppendLedgerTx(ctx context.Context, tx *sql.Tx, e *LedgerEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("store: marshaling ledger meta: %w", err)
	}
	query, args, err := s.q.Insert("billing_ledger").Rows(goqu.Record{
		"id":                 e.ID,
		"user_id":            e.UserID,
		"kind":               e.Kind,
		"delta_nano":         e.DeltaNano.NanoString(),
		"balance_after_nano": e.BalanceAfterNano.NanoString(),
		"meta":               string(meta),
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building ledger insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: appending ledger entry: %w", err)
	}
	return nil
}

// LedgerEntries returns a user's ledger rows oldest first.
func (s *Store) LedgerEntries(ctx context.Context, userID string) ([]LedgerEntry, error) {
	query, args, err := s.q.From("billing_ledger").
		Where(goqu.Ex{"user_id": userID}).
		Order(goqu.I("created_at").Asc(), goqu.I("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building ledger query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying ledger: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var (
			e          LedgerEntry
			delta, bal string
			metaJSON   string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &delta, &bal, &metaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning ledger row: %w", err)
		}
		if e.DeltaNano, err = money.ParseNano(delta); err != nil {
			return nil, err
		}
		if e.BalanceAfterNano, err = money.ParseNano(bal); err != nil {
			return nil, err
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateAPIKey inserts a key row; the caller supplies the already-hashed key.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	allowed, err := json.Marshal(k.AllowedModels)
	if err != nil {
		return fmt.Errorf("store: marshaling allowed models: %w", err)
	}
	ips, err := json.Marshal(k.IPWhitelist)
	if err != nil {
		return fmt.Errorf("store: marshaling ip whitelist: %w", err)
	}
	transforms, err := json.Marshal(k.Transforms)
	if err != nil {
		return fmt.Errorf("store: marshaling key transforms: %w", err)
	}
	rec := goqu.Record{
		"id":             k.ID,
		"user_id":        k.UserID,
		"name":           k.Name,
		"key_hash":       k.KeyHash,
		"enabled":        k.Enabled,
		"allowed_models": string(allowed),
		"ip_whitelist":   string(ips),
		"transforms":     string(transforms),
	}
	if k.ExpiresAt != nil {
		rec["expires_at"] = *k.ExpiresAt
	}
	if k.MaxMultiplier != nil {
		rec["max_multiplier"] = *k.MaxMultiplier
	}
	query, args, err := s.q.Insert("api_keys").Rows(rec).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building api key insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: inserting api key %s: %w", k.ID, err)
	}
	return nil
}

// LookupAPIKey finds a key by its hash.
func (s *Store) LookupAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	query, args, err := s.q.From("api_keys").Where(goqu.Ex{"key_hash": keyHash}).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building api key query: %w", err)
	}
	row := s.db.QueryRowContext(ctx, query, args...)

	var (
		k                 APIKey
		expiresAt         sql.NullTime
		maxMultiplier     sql.NullFloat64
		allowed, ips, tfs string
	)
	err = row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.Enabled, &expiresAt,
		&allowed, &ips, &maxMultiplier, &tfs, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning api key: %w", err)
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if maxMultiplier.Valid {
		k.MaxMultiplier = &maxMultiplier.Float64
	}
	if err := json.Unmarshal([]byte(allowed), &k.AllowedModels); err != nil {
		return nil, fmt.Errorf("store: api key %s allowed models: %w", k.ID, err)
	}
	if err := json.Unmarshal([]byte(ips), &k.IPWhitelist); err != nil {
		return nil, fmt.Errorf("store: api key %s ip whitelist: %w", k.ID, err)
	}
	if err := json.Unmarshal([]byte(tfs), &k.Transforms); err != nil {
		return nil, fmt.Errorf("store: api key %s transforms: %w", k.ID, err)
	}
	return &k, nil
}
