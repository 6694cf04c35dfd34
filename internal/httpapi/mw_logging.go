package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// quietPaths are polled by orchestrators and scrapers; log them at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// AccessLog logs one line per HTTP request. For WebSocket upgrades the line
// is written when the connection closes.
func AccessLog(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqLog := log.With().
			Str("rid", GetRequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Logger()

		next.ServeHTTP(w, r)

		ev := reqLog.Info()
		if quietPaths[r.URL.Path] {
			ev = reqLog.Debug()
		}
		ev.Dur("dur", time.Since(start)).Msg("request completed")
	})
}
