package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/authgateway/gateway/internal/xerrors"
)

// Store is the Postgres-backed Recorder. It issues raw SQL via
// database/sql rather than an ORM or sqlx struct mapping, scanning rows by
// hand; internal/credentials' APIKeyStore is the store built on sqlx.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened, already-pinged *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewRecordID mints a new audit record id. UUIDv7 embeds a millisecond
// timestamp in its high bits, so ids sort lexicographically by creation
// time, satisfying the "ids embed monotonically increasing time" invariant.
func NewRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Record inserts rec. Insertion is idempotent for a repeated id: a retried
// enqueue after an ambiguous failure never double-counts.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = NewRecordID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records
			(id, ts, principal_id, principal_kind, action, resource_id, capability_id,
			 decision, reason, policies_evaluated, duration_ns, client_ip, request_id,
			 correlation_id, credential_fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Timestamp.UTC(), rec.PrincipalID, rec.PrincipalKind, rec.Action,
		rec.ResourceID, rec.CapabilityID, string(rec.Decision), rec.Reason,
		pq.Array(rec.PoliciesEvaluated), rec.Duration.Nanoseconds(), rec.ClientIP, rec.RequestID,
		rec.CorrelationID, rec.CredentialFingerprint)
	if err != nil {
		return xerrors.Internal("record audit event", err)
	}
	return nil
}

// MarkForwarded sets siem_forwarded_at once; a second call for the same id
// is a no-op (the WHERE clause only matches while the field is still null).
func (s *Store) MarkForwarded(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_records SET siem_forwarded_at = $2
		WHERE id = $1 AND siem_forwarded_at IS NULL
	`, id, at.UTC())
	if err != nil {
		return xerrors.Internal("mark audit record forwarded", err)
	}
	return nil
}

const defaultQueryLimit = 100
const maxQueryLimit = 500

// Query returns up to limit records matching filter in (timestamp, id)
// order, plus a cursor for the next page (nil once exhausted). Pagination
// is cursor-based, never offset-based, so concurrent inserts never shift
// an already-issued page boundary.
func (s *Store) Query(ctx context.Context, filter Filter, cursor *Cursor, limit int) ([]Record, *Cursor, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.PrincipalID != "" {
		conds = append(conds, "principal_id = "+arg(filter.PrincipalID))
	}
	if filter.ResourceID != "" {
		conds = append(conds, "resource_id = "+arg(filter.ResourceID))
	}
	if filter.CapabilityID != "" {
		conds = append(conds, "capability_id = "+arg(filter.CapabilityID))
	}
	if filter.Decision != "" {
		conds = append(conds, "decision = "+arg(string(filter.Decision)))
	}
	if filter.CorrelationID != "" {
		conds = append(conds, "correlation_id = "+arg(filter.CorrelationID))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "ts >= "+arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "ts <= "+arg(filter.To.UTC()))
	}
	if cursor != nil {
		conds = append(conds, fmt.Sprintf("(ts, id) > (%s, %s)", arg(cursor.Timestamp.UTC()), arg(cursor.ID)))
	}

	query := `SELECT id, ts, principal_id, principal_kind, action, resource_id, capability_id,
		decision, reason, policies_evaluated, duration_ns, client_ip, request_id,
		correlation_id, credential_fingerprint, siem_forwarded_at
		FROM audit_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ts ASC, id ASC LIMIT %s", arg(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, xerrors.Internal("query audit records", err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, nil, err
	}

	var next *Cursor
	if len(out) == limit {
		last := out[len(out)-1]
		next = &Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return out, next, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec         Record
			decision    string
			policies    pq.StringArray
			durationNS  int64
			forwardedAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.PrincipalID, &rec.PrincipalKind, &rec.Action,
			&rec.ResourceID, &rec.CapabilityID, &decision, &rec.Reason, &policies, &durationNS,
			&rec.ClientIP, &rec.RequestID, &rec.CorrelationID, &rec.CredentialFingerprint, &forwardedAt); err != nil {
			return nil, xerrors.Internal("scan audit record", err)
		}
		rec.Decision = Decision(decision)
		rec.PoliciesEvaluated = []string(policies)
		rec.Duration = time.Duration(durationNS)
		if forwardedAt.Valid {
			t := forwardedAt.Time
			rec.SIEMForwardedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Internal("iterate audit records", err)
	}
	return out, nil
}

// ListUnforwardedSince returns up to limit records with id > afterID that
// have not yet been shipped to SIEM, ordered by id. UUIDv7 ids sort
// lexicographically by creation time, so this also gives the SIEM
// Forwarder a stable resume cursor (its own last_forwarded_id) without
// the Audit Recorder needing to track per-sink progress itself.
func (s *Store) ListUnforwardedSince(ctx context.Context, afterID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, principal_id, principal_kind, action, resource_id, capability_id,
			decision, reason, policies_evaluated, duration_ns, client_ip, request_id,
			correlation_id, credential_fingerprint, siem_forwarded_at
		FROM audit_records
		WHERE id > $1 AND siem_forwarded_at IS NULL
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, xerrors.Internal("query unforwarded audit records", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}
