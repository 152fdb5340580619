package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type logEntryKey struct{}

// logEntry collects fields learned after the logger has run, such as the
// authenticated user.
type logEntry struct {
	userID string
}

// SetLogUser records the caller's user id on the request's log line.
// It is a no-op outside the Logger middleware.
func SetLogUser(ctx context.Context, userID string) {
	if e, ok := ctx.Value(logEntryKey{}).(*logEntry); ok {
		e.userID = userID
	}
}

// Logger returns a request logging middleware using zerolog.
// Server errors log at error level, rejected requests at warn.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := &logEntry{}
			r = r.WithContext(context.WithValue(r.Context(), logEntryKey{}, entry))

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					// Nothing written through the wrapper: a hijacked upgrade or an empty 200.
					status = http.StatusOK
					if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
						status = http.StatusSwitchingProtocols
					}
				}

				ev := logger.Info()
				switch {
				case status >= 500:
					ev = logger.Error()
				case status >= 400:
					ev = logger.Warn()
				}

				ev = ev.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("route", routePattern(r)).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", RealIP(r))
				if entry.userID != "" {
					ev = ev.Str("user_id", entry.userID)
				}
				ev.Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
