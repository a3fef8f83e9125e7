package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/authgateway/gateway/infrastructure/httputil"
	"github.com/authgateway/gateway/internal/session"
	"github.com/authgateway/gateway/internal/xerrors"
)

func sessionToDTO(s *session.Session) sessionDTO {
	return sessionDTO{
		ID:            s.ID,
		PrincipalID:   s.PrincipalID,
		ExpiresAt:     s.ExpiresAt,
		CreatedAt:     s.CreatedAt,
		LastTouchedAt: s.LastTouchedAt,
	}
}

// handleCreateSession mints a new session for the already-authenticated
// caller (requireAuth has already turned their credential into a
// Principal). This is the entry point a caller uses once to exchange a
// short-lived primary credential for a rotation-backed session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeServiceError(w, r, xerrors.Unauthenticated("missing credential"))
		return
	}

	var body createSessionRequestDTO
	if !httputil.DecodeJSONOptional(w, r, &body) {
		return
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second

	sess, refreshToken, err := s.sessions.Create(r.Context(), principal, ttl)
	if err != nil {
		writeServiceError(w, r, xerrors.Internal("could not create session", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sessionResponseDTO{sessionDTO: sessionToDTO(sess), RefreshToken: refreshToken})
}

// handleRefreshSession redeems a refresh token: unauthenticated (the
// refresh token itself is the credential), single-use, and a replay
// revokes the whole session family.
func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	var body refreshSessionRequestDTO
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.RefreshToken == "" {
		writeServiceError(w, r, xerrors.MissingParameter("refresh_token"))
		return
	}

	sess, refreshToken, err := s.sessions.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeServiceError(w, r, sessionRefreshError(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponseDTO{sessionDTO: sessionToDTO(sess), RefreshToken: refreshToken})
}

// sessionRefreshError maps internal/session's sentinel errors onto the
// gateway's error taxonomy; a reused refresh token is surfaced as
// Unauthenticated like any other failed credential.
func sessionRefreshError(err error) *xerrors.ServiceError {
	switch err {
	case session.ErrUnknownRefreshToken, session.ErrRefreshTokenReused, session.ErrSessionInactive:
		return xerrors.Unauthenticated("invalid refresh token")
	default:
		return xerrors.Internal("could not refresh session", err)
	}
}

// handleLookupSession returns the current state of a session the caller
// owns.
func (s *Server) handleLookupSession(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeServiceError(w, r, xerrors.Unauthenticated("missing credential"))
		return
	}
	id := mux.Vars(r)["id"]

	sess, err := s.sessions.Lookup(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, xerrors.Internal("could not look up session", err))
		return
	}
	if sess == nil || sess.PrincipalID != principal.ID {
		writeServiceError(w, r, xerrors.NotFound("session", id))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionToDTO(sess))
}

// handleRevokeSession revokes a session the caller owns.
func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeServiceError(w, r, xerrors.Unauthenticated("missing credential"))
		return
	}
	id := mux.Vars(r)["id"]

	sess, err := s.sessions.Lookup(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, xerrors.Internal("could not look up session", err))
		return
	}
	if sess == nil || sess.PrincipalID != principal.ID {
		writeServiceError(w, r, xerrors.NotFound("session", id))
		return
	}

	if err := s.sessions.Revoke(r.Context(), id); err != nil {
		writeServiceError(w, r, xerrors.Internal("could not revoke session", err))
		return
	}
	httputil.RespondNoContent(w)
}
