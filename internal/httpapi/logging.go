package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// parseLevel maps a level name to a zerolog level. "off" disables logging;
// unknown names mean info.
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "disabled":
		return zerolog.Disabled
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// requestLogLevel honours a per-request override from ?log= or X-Log-Level.
// "?log=1" is shorthand for debug.
func requestLogLevel(r *http.Request, def zerolog.Level) zerolog.Level {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return zerolog.DebugLevel
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return def
}

// requestLogger attaches a per-request logger to the context and logs one
// line per request once the handler returns.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lg := base.Level(requestLogLevel(r, base.GetLevel())).With().
				Str("method", r.Method).Str("path", r.URL.Path).Logger()
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				lg = lg.With().Str("request_id", rid).Logger()
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(lg.WithContext(r.Context())))
			lg.Info().Int("status", ww.Status()).Dur("dur", time.Since(start)).Msg("request")
		})
	}
}
