package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/authgateway/gateway/infrastructure/logging"
)

// LoggingMiddleware logs every request with its trace ID, status, and
// duration. The trace ID is taken from X-Trace-ID when the caller supplies
// one, minted otherwise, and reflected back on the response so clients can
// correlate.
func LoggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}

			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			r.Header.Set("X-Trace-ID", traceID)
			w.Header().Set("X-Trace-ID", traceID)

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			logger.LogRequest(ctx, r.Method, r.URL.Path, recorder.status, time.Since(start))
		})
	}
}

// statusRecorder captures the status code a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
