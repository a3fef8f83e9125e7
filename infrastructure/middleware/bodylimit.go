package middleware

import (
	"net/http"

	"github.com/authgateway/gateway/infrastructure/httputil"
)

const defaultMaxRequestBodyBytes int64 = 8 << 20

// BodyLimitMiddleware caps request bodies. Oversized requests with a known
// Content-Length are rejected up front; everything else is wrapped in
// http.MaxBytesReader so handlers cannot read past the limit.
type BodyLimitMiddleware struct {
	maxBytes int64
}

// NewBodyLimitMiddleware builds the middleware; maxBytes <= 0 selects the
// default limit.
func NewBodyLimitMiddleware(maxBytes int64) *BodyLimitMiddleware {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodyBytes
	}
	return &BodyLimitMiddleware{maxBytes: maxBytes}
}

// Handler returns the body limiting middleware handler.
func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > m.maxBytes {
			httputil.WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge,
				"", "request body too large",
				map[string]any{"limit_bytes": m.maxBytes})
			return
		}

		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxBytes)
		}

		next.ServeHTTP(w, r)
	})
}
