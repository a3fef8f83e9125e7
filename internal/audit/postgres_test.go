package audit

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestStore_RecordInsertsWithExpectedColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	rec := Record{
		ID:                "rec-1",
		Timestamp:         time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		PrincipalID:       "alice",
		PrincipalKind:     "user",
		Action:            "read",
		ResourceID:        "res1",
		CapabilityID:      "cap1",
		Decision:          DecisionAllow,
		Reason:            "allow",
		PoliciesEvaluated: []string{"role-policy"},
		Duration:          5 * time.Millisecond,
		ClientIP:          "10.0.0.1",
		RequestID:         "req-1",
		CorrelationID:     "corr-1",
	}

	mock.ExpectExec(`INSERT INTO audit_records`).
		WithArgs(rec.ID, rec.Timestamp, rec.PrincipalID, rec.PrincipalKind, rec.Action,
			rec.ResourceID, rec.CapabilityID, string(rec.Decision), rec.Reason,
			sqlmock.AnyArg(), rec.Duration.Nanoseconds(), rec.ClientIP, rec.RequestID,
			rec.CorrelationID, rec.CredentialFingerprint).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Record(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkForwarded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	at := time.Date(2026, 7, 31, 12, 5, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE audit_records SET siem_forwarded_at`).
		WithArgs("rec-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkForwarded(context.Background(), "rec-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryAppliesFiltersAndReturnsCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "ts", "principal_id", "principal_kind", "action", "resource_id", "capability_id",
		"decision", "reason", "policies_evaluated", "duration_ns", "client_ip", "request_id",
		"correlation_id", "credential_fingerprint", "siem_forwarded_at",
	}).AddRow("rec-1", ts, "alice", "user", "read", "res1", "cap1", "deny", "denied", "{role-policy}", int64(1_000_000), "10.0.0.1", "req-1", "corr-1", "", nil)

	mock.ExpectQuery(`SELECT .* FROM audit_records WHERE principal_id = \$1 AND decision = \$2 ORDER BY ts ASC, id ASC LIMIT \$3`).
		WithArgs("alice", "deny", 1).
		WillReturnRows(rows)

	out, next, err := store.Query(context.Background(), Filter{PrincipalID: "alice", Decision: DecisionDeny}, nil, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "rec-1", out[0].ID)
	require.Equal(t, DecisionDeny, out[0].Decision)
	require.NotNil(t, next, "a full page must return a cursor for the next page")
	require.Equal(t, "rec-1", next.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListUnforwardedSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "ts", "principal_id", "principal_kind", "action", "resource_id", "capability_id",
		"decision", "reason", "policies_evaluated", "duration_ns", "client_ip", "request_id",
		"correlation_id", "credential_fingerprint", "siem_forwarded_at",
	}).AddRow("rec-2", ts, "bob", "user", "write", "res2", "cap2", "allow", "allow", "{}", int64(0), "", "", "", "", nil)

	mock.ExpectQuery(`SELECT .* FROM audit_records`).
		WithArgs("rec-1", 100).
		WillReturnRows(rows)

	out, err := store.ListUnforwardedSince(context.Background(), "rec-1", 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "rec-2", out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
