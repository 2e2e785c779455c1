package middleware

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-relay/internal/guard"
)

type IPConnectionCounter func(ip string) int

// NewAdmissionLimiter rejects upgrades from addresses that already hold too
// many live connections. Per-user limits are enforced later, at authenticate
// time; this guards the unauthenticated window. Rejections are recorded on
// the abuse guard.
func NewAdmissionLimiter(logger *slog.Logger, counter IPConnectionCounter, g *guard.Guard, maxPerIP int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Admission limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count := counter(reqMeta.IP)
			if count < maxPerIP {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Per-IP connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("count", count))
			g.RecordEvent(guard.SecurityEvent{
				Kind:     guard.EventRateLimit,
				Severity: guard.SeverityMedium,
				Source:   reqMeta.IP,
				Detail:   fmt.Sprintf("connection admission denied at %d live connections", count),
			})
			http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
		})
	}
}
