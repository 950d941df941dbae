package storesync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger emits at most one line per interval and reports how many
// lines were swallowed in between.
type rateLimitedLogger struct {
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(logger *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	if l.suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", l.suppressed))
		l.suppressed = 0
	}
	l.mu.Unlock()
	l.logger.Warn(msg, fields...)
}
