// Package middleware provides the HTTP middleware chain the gateway's API
// server wires around its routers.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/authgateway/gateway/infrastructure/httputil"
	"github.com/authgateway/gateway/infrastructure/logging"
)

// RecoveryMiddleware converts handler panics into 500 responses instead of
// tearing down the connection.
type RecoveryMiddleware struct {
	logger *logging.Logger
}

func NewRecoveryMiddleware(logger *logging.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger}
}

// Handler returns the recovery middleware handler.
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic":       fmt.Sprintf("%v", err),
					"stack":       string(debug.Stack()),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Error("Panic recovered")

				httputil.WriteErrorResponse(w, r, http.StatusInternalServerError,
					"INTERNAL_ERROR", "internal server error", nil)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
