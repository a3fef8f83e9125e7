package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/authgateway/gateway/infrastructure/httputil"
)

const defaultRequestTimeout = 30 * time.Second

// TimeoutMiddleware bounds every request with a deadline. Handlers observe
// it through the request context; a handler that overruns gets a 504 written
// on its behalf, provided it has not started writing yet.
type TimeoutMiddleware struct {
	timeout time.Duration
}

// NewTimeoutMiddleware builds the middleware; timeout <= 0 selects the
// default.
func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &TimeoutMiddleware{timeout: timeout}
}

// Handler returns the timeout middleware handler.
func (m *TimeoutMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		done := make(chan struct{})
		tw := &deadlineWriter{ResponseWriter: w}

		go func() {
			next.ServeHTTP(tw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			if ctx.Err() != context.DeadlineExceeded {
				return
			}
			tw.mu.Lock()
			wrote := tw.wroteHeader
			tw.mu.Unlock()
			if !wrote {
				httputil.WriteErrorResponse(w, r, http.StatusGatewayTimeout,
					"REQUEST_TIMEOUT", "request timed out",
					map[string]any{"timeout_seconds": m.timeout.Seconds()})
			}
		}
	})
}

// deadlineWriter tracks whether the wrapped handler has begun responding,
// so the timeout path never writes a second header.
type deadlineWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
}

func (tw *deadlineWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(code)
	}
}

func (tw *deadlineWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
	}
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}
