// Package audit implements the Audit Recorder: an append-only record
// of every authorization decision, queryable by principal, resource, time
// range, and correlation id, with cursor-based pagination over (timestamp,
// id) so concurrent inserts never skew a page boundary.
package audit

import (
	"context"
	"time"
)

// Recorder is what the Authorization Pipeline and SIEM Forwarder
// depend on; Store is the Postgres-backed implementation.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Query(ctx context.Context, filter Filter, cursor *Cursor, limit int) ([]Record, *Cursor, error)
	MarkForwarded(ctx context.Context, id string, at time.Time) error
}

// Decision mirrors the pipeline's allow/deny outcome for one audited event.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Record is one immutable audit entry. Every field but SIEMForwardedAt is
// fixed at insertion; SIEMForwardedAt is the sole field ever updated after
// the record exists, and only once (nil -> set).
type Record struct {
	ID                string
	Timestamp         time.Time
	PrincipalID       string // empty when the credential itself failed to verify
	PrincipalKind     string
	Action            string
	ResourceID        string
	CapabilityID      string
	Decision          Decision
	Reason            string
	PoliciesEvaluated []string
	Duration          time.Duration
	ClientIP          string
	RequestID         string
	CorrelationID     string

	// CredentialFingerprint is set only on records whose credential failed
	// to verify (PrincipalID empty): a non-reversible digest of the
	// presented credential, so failed attempts remain traceable without
	// the raw credential ever touching storage.
	CredentialFingerprint string

	SIEMForwardedAt *time.Time
}

// Filter selects which records Query returns. Zero-value fields are
// unconstrained.
type Filter struct {
	PrincipalID   string
	ResourceID    string
	CapabilityID  string
	Decision      Decision
	CorrelationID string
	From, To      time.Time
}

// Cursor resumes a Query from just after the last record of a prior page.
type Cursor struct {
	Timestamp time.Time
	ID        string
}
