// Package middleware holds the HTTP middleware shared by the gateway and the
// completion service.
package middleware

import (
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/luma-therapy/luma/backend/internal/logging"
)

const maxTraceIDLen = 128

// Trace attaches a correlation id and a request-scoped logger to each request,
// echoes the id in the response and writes one access log line.
func Trace(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := strings.TrimSpace(r.Header.Get(logging.TraceHeader))
			if traceID == "" || len(traceID) > maxTraceIDLen {
				traceID = logging.NewTraceID()
			}

			ctx := logging.WithTrace(r.Context(), base, traceID)
			w.Header().Set(logging.TraceHeader, traceID)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logging.FromContext(ctx).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
