package middleware

import (
	"log/slog"
	"net/http"

	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/config"
)

type ConnectionCounter func(participant string) int
type ConnectionCycler func(participant string)

// NewConnectionLimiter bounds concurrent connections per participant.
// "reject" turns the new connection away; "cycle" closes the oldest one to
// make room, which is what mobile clients switching networks want. Must run
// after auth so the participant is known.
func NewConnectionLimiter(logger *slog.Logger, counter ConnectionCounter, cycler ConnectionCycler, cfg config.ConnectionLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerParticipant <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok || reqMeta.Participant == "" {
				logger.Error("connection limiter ran before auth; check middleware order")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count := counter(reqMeta.Participant)
			if count < cfg.MaxPerParticipant {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("participant connection limit reached",
				slog.String("participant", reqMeta.Participant), slog.Int("count", count))
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(reqMeta.Participant)
				next.ServeHTTP(w, r)
			default:
				logger.Error("invalid connection limit mode", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
