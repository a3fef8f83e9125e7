package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/authgateway/gateway/infrastructure/httputil"
	"github.com/authgateway/gateway/internal/pipeline"
	"github.com/authgateway/gateway/internal/xerrors"
)

// handleAuthorize serves a single authorization request: 200 for both
// allow and deny, 401 for failed authentication, 404 for unknown
// resource/capability, 500 for internal failure.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	cred, ok := extractCredential(r)
	if !ok {
		writeServiceError(w, r, xerrors.Unauthenticated("missing credential"))
		return
	}

	var body authorizeRequestDTO
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.Action == "" {
		writeServiceError(w, r, xerrors.MissingParameter("action"))
		return
	}

	req := pipeline.Request{
		Credential:     cred,
		Action:         body.Action,
		ResourceID:     body.ResourceID,
		CapabilityName: body.CapabilityName,
		Parameters:     body.Parameters,
		Context:        body.Context.toAuthzContext(httputil.ClientIP(r), time.Now()),
	}

	decision, err := s.pipeline.Authorize(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, decisionToDTO(decision))
}

// handleAuthorizeBatch serves batch authorization: the HTTP status is 200
// unless the batch envelope itself is malformed (4xx); individual item
// outcomes are expressed in the response array, preserving order.
func (s *Server) handleAuthorizeBatch(w http.ResponseWriter, r *http.Request) {
	cred, ok := extractCredential(r)
	if !ok {
		writeServiceError(w, r, xerrors.Unauthenticated("missing credential"))
		return
	}

	var body authorizeBatchRequestDTO
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if len(body.Items) == 0 {
		writeServiceError(w, r, xerrors.InvalidInput("items", "batch must contain at least one item"))
		return
	}
	if len(body.Items) > s.cfg.MaxBatchSize {
		writeServiceError(w, r, xerrors.InvalidInput("items", "batch exceeds maximum size"))
		return
	}

	now := time.Now()
	clientIP := httputil.ClientIP(r)
	items := make([]pipeline.BatchItem, len(body.Items))
	for i, item := range body.Items {
		if item.Action == "" {
			writeServiceError(w, r, xerrors.MissingParameter("items["+strconv.Itoa(i)+"].action"))
			return
		}
		items[i] = pipeline.BatchItem{
			Action:         item.Action,
			ResourceID:     item.ResourceID,
			CapabilityName: item.CapabilityName,
			Parameters:     item.Parameters,
			Context:        item.Context.toAuthzContext(clientIP, now),
		}
	}

	decisions, err := s.pipeline.AuthorizeBatch(r.Context(), pipeline.BatchRequest{Credential: cred, Items: items})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := make([]decisionDTO, len(decisions))
	for i, d := range decisions {
		out[i] = decisionToDTO(d)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
