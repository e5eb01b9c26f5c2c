package logger

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// TraceMiddleware seeds the request context's trace id from chi's
// request id (middleware.RequestID runs ahead of this in devrig's
// chain) and echoes it back in X-Trace-ID so the renderer side can
// correlate its own logs with the daemon's.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
		w.Header().Set("X-Trace-ID", FromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
