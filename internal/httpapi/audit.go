package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/authgateway/gateway/infrastructure/httputil"
	"github.com/authgateway/gateway/internal/audit"
	"github.com/authgateway/gateway/internal/xerrors"
)

// handleAuditQuery serves the audit read surface: filter by principal,
// resource, capability, decision, time range; cursor pagination; optional
// export formats newline-JSON and CSV.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := audit.Filter{
		PrincipalID:   q.Get("principal_id"),
		ResourceID:    q.Get("resource_id"),
		CapabilityID:  q.Get("capability_id"),
		CorrelationID: q.Get("correlation_id"),
	}
	if d := q.Get("decision"); d != "" {
		filter.Decision = audit.Decision(d)
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeServiceError(w, r, xerrors.InvalidFormat("from", "RFC3339 timestamp"))
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeServiceError(w, r, xerrors.InvalidFormat("to", "RFC3339 timestamp"))
			return
		}
		filter.To = t
	}

	var cursor *audit.Cursor
	if ts := q.Get("cursor_ts"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			writeServiceError(w, r, xerrors.InvalidFormat("cursor_ts", "RFC3339 timestamp"))
			return
		}
		cursor = &audit.Cursor{Timestamp: t, ID: q.Get("cursor_id")}
	}

	limit := s.cfg.AuditPageLimit
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records, next, err := s.auditor.Query(r.Context(), filter, cursor, limit)
	if err != nil {
		writeServiceError(w, r, xerrors.Internal("audit query failed", err))
		return
	}

	switch strings.ToLower(q.Get("format")) {
	case "ndjson":
		writeAuditNDJSON(w, records)
	case "csv":
		writeAuditCSV(w, records)
	default:
		httputil.WriteJSON(w, http.StatusOK, auditPageDTO{Records: records, NextCursor: cursorToDTO(next)})
	}
}

type cursorDTO struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

func cursorToDTO(c *audit.Cursor) *cursorDTO {
	if c == nil {
		return nil
	}
	return &cursorDTO{Timestamp: c.Timestamp, ID: c.ID}
}

type auditPageDTO struct {
	Records    []audit.Record `json:"records"`
	NextCursor *cursorDTO     `json:"next_cursor,omitempty"`
}

func writeAuditNDJSON(w http.ResponseWriter, records []audit.Record) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		_ = enc.Encode(rec)
	}
}

var auditCSVHeader = []string{
	"id", "timestamp", "principal_id", "principal_kind", "action", "resource_id",
	"capability_id", "decision", "reason", "duration_ms", "client_ip", "request_id",
	"correlation_id", "credential_fingerprint",
}

func writeAuditCSV(w http.ResponseWriter, records []audit.Record) {
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write(auditCSVHeader)
	for _, rec := range records {
		_ = cw.Write([]string{
			rec.ID,
			rec.Timestamp.Format(time.RFC3339Nano),
			rec.PrincipalID,
			rec.PrincipalKind,
			rec.Action,
			rec.ResourceID,
			rec.CapabilityID,
			string(rec.Decision),
			rec.Reason,
			strconv.FormatInt(rec.Duration.Milliseconds(), 10),
			rec.ClientIP,
			rec.RequestID,
			rec.CorrelationID,
			rec.CredentialFingerprint,
		})
	}
	cw.Flush()
}
