package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/authgateway/gateway/infrastructure/httputil"
	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/pipeline"
	"github.com/authgateway/gateway/internal/xerrors"
)

type contextKey int

const principalContextKey contextKey = iota

// principalFromContext retrieves the Principal requireAuth attached to the
// request context, for handlers (sessions, audit) that need an identity
// rather than a pass-through Credential.
func principalFromContext(ctx context.Context) *authz.Principal {
	p, _ := ctx.Value(principalContextKey).(*authz.Principal)
	return p
}

// extractCredential reads the caller's credential off the request:
// `Authorization: Bearer <token>` and `X-API-Key: <key>` are both accepted,
// API key taking priority when both are present.
func extractCredential(r *http.Request) (pipeline.Credential, bool) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return pipeline.Credential{Kind: pipeline.CredentialAPIKey, Token: key}, true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return pipeline.Credential{Kind: pipeline.CredentialBearer, Token: strings.TrimPrefix(auth, "Bearer ")}, true
	}
	return pipeline.Credential{}, false
}

// requireAuth verifies the caller's credential directly (rather than
// through the pipeline) and attaches the resulting Principal to the request
// context, for handlers that are not themselves an Authorize call.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := extractCredential(r)
		if !ok {
			writeServiceError(w, r, xerrors.Unauthenticated("missing credential"))
			return
		}

		var principal *authz.Principal
		var err error
		switch cred.Kind {
		case pipeline.CredentialAPIKey:
			principal, err = s.verifier.VerifyAPIKey(r.Context(), cred.Token)
		default:
			principal, err = s.verifier.VerifyBearer(r.Context(), cred.Token)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeServiceError translates an xerrors.ServiceError (or any other error,
// folded to Internal) into the standard error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if svcErr := xerrors.As(err); svcErr != nil {
		httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}
	internal := xerrors.Internal("internal error", err)
	httputil.WriteErrorResponse(w, r, internal.HTTPStatus, string(internal.Code), internal.Message, nil)
}
