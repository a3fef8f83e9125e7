package credentials

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/authgateway/gateway/internal/authz"
)

//go:embed migrations/*.sql
var apiKeyMigrations embed.FS

// MigrateAPIKeys applies the api_keys table's schema migrations, mirroring
// internal/audit's own Migrate helper for its table.
func MigrateAPIKeys(databaseURL string) error {
	src, err := iofs.New(apiKeyMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("load api_keys migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("init api_keys migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply api_keys migrations: %w", err)
	}
	return nil
}

// apiKeyRow is the sqlx struct-scan target for the api_keys table: keys
// are stored keyed by their non-secret prefix, with the bcrypt hash of
// the full key compared in constant time after lookup.
type apiKeyRow struct {
	Prefix        string         `db:"prefix"`
	Hash          string         `db:"hash"`
	PrincipalID   string         `db:"principal_id"`
	DisplayName   string         `db:"display_name"`
	PrincipalKind string         `db:"principal_kind"`
	Roles         pq.StringArray `db:"roles"`
	Teams         pq.StringArray `db:"teams"`
	CreatedAt     time.Time      `db:"created_at"`
	RevokedAt     sql.NullTime   `db:"revoked_at"`
}

// APIKeyStore is the Postgres-backed APIKeyLookup implementation, built on
// sqlx's struct scanning rather than the hand-rolled database/sql scans
// internal/audit uses, since a single-row lookup by primary key is exactly
// the case sqlx.Get exists for.
type APIKeyStore struct {
	db *sqlx.DB
}

// NewAPIKeyStore wraps an already-opened, already-pinged *sqlx.DB.
func NewAPIKeyStore(db *sqlx.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// LookupByPrefix implements APIKeyLookup.
func (s *APIKeyStore) LookupByPrefix(ctx context.Context, prefix string) (string, *authz.Principal, bool, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT prefix, hash, principal_id, display_name, principal_kind, roles, teams, created_at, revoked_at
		FROM api_keys
		WHERE prefix = $1 AND revoked_at IS NULL
	`, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("lookup api key by prefix: %w", err)
	}

	principal := &authz.Principal{
		ID:          row.PrincipalID,
		DisplayName: row.DisplayName,
		Kind:        authz.PrincipalKind(row.PrincipalKind),
		Roles:       []string(row.Roles),
		Teams:       []string(row.Teams),
	}
	return row.Hash, principal, true, nil
}

// Issue stores a newly minted API key's prefix and the bcrypt hash of its
// secret, bound to principal. The caller supplies both parts and hands the
// full "<prefix>.<secret>" key to the principal; only the hash is persisted.
func (s *APIKeyStore) Issue(ctx context.Context, prefix, secret string, principal *authz.Principal) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash api key: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (prefix, hash, principal_id, display_name, principal_kind, roles, teams, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (prefix) DO UPDATE SET hash = EXCLUDED.hash, revoked_at = NULL
	`, prefix, string(hash), principal.ID, principal.DisplayName, string(principal.Kind),
		pq.StringArray(principal.Roles), pq.StringArray(principal.Teams), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("issue api key: %w", err)
	}
	return nil
}

// Revoke marks prefix's key as no longer usable; LookupByPrefix will stop
// returning it.
func (s *APIKeyStore) Revoke(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = $2 WHERE prefix = $1`, prefix, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}
