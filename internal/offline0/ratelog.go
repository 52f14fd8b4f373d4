package offline0

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops warnings beyond one per interval. Used on the
// request path where an unreachable origin or a failing store would
// otherwise log once per request.
type rateLimitedLogger struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

func newRateLimitedLogger(logger *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	if !l.limiter.Allow() {
		return
	}
	l.logger.Warn(msg, args...)
}
