package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// NewRequestLogger creates a middleware that logs each incoming request.
// Since nearly all traffic here is websocket upgrade attempts, the entry
// records whether the request asked for an upgrade so plain HTTP probes of
// the socket endpoint stand out in the logs.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}
			upgrade := strings.EqualFold(r.Header.Get("Upgrade"), "websocket")

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.Bool("websocket_upgrade", upgrade),
				slog.String("user_agent", r.UserAgent()),
			)
			next.ServeHTTP(w, r)
		})
	}
}
