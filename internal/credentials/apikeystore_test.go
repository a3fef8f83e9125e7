package credentials

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/authgateway/gateway/internal/authz"
)

func newMockAPIKeyStore(t *testing.T) (*APIKeyStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAPIKeyStore(sqlx.NewDb(db, "postgres")), mock
}

func TestAPIKeyStore_LookupByPrefixFound(t *testing.T) {
	store, mock := newMockAPIKeyStore(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"prefix", "hash", "principal_id", "display_name", "principal_kind", "roles", "teams", "created_at", "revoked_at"}).
		AddRow("ak1", string(hash), "svc-a", "Service A", "service", "{admin}", "{platform}", time.Now(), nil)
	mock.ExpectQuery(`SELECT prefix, hash, principal_id, display_name, principal_kind, roles, teams, created_at, revoked_at`).
		WithArgs("ak1").
		WillReturnRows(rows)

	hashOut, principal, found, err := store.LookupByPrefix(context.Background(), "ak1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(hash), hashOut)
	require.Equal(t, "svc-a", principal.ID)
	require.Equal(t, authz.PrincipalKind("service"), principal.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyStore_LookupByPrefixNotFound(t *testing.T) {
	store, mock := newMockAPIKeyStore(t)
	mock.ExpectQuery(`SELECT prefix, hash, principal_id, display_name, principal_kind, roles, teams, created_at, revoked_at`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"prefix", "hash", "principal_id", "display_name", "principal_kind", "roles", "teams", "created_at", "revoked_at"}))

	_, _, found, err := store.LookupByPrefix(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestAPIKeyStore_Revoke(t *testing.T) {
	store, mock := newMockAPIKeyStore(t)
	mock.ExpectExec(`UPDATE api_keys SET revoked_at`).
		WithArgs("ak1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Revoke(context.Background(), "ak1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
