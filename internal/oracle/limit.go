package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
	"golang.org/x/time/rate"
)

// Limited caps the call rate of another client with a token bucket. A
// throttled call fails with ErrThrottled instead of waiting.
type Limited struct {
	next    Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLimited allows perMinute calls per minute with a burst of the same size.
func NewLimited(next Client, perMinute int, logger *slog.Logger) *Limited {
	if logger == nil {
		logger = slog.Default()
	}
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:  logger,
	}
}

// Assess forwards to the wrapped client if a token is available.
func (l *Limited) Assess(ctx context.Context, c stuck.Context) (bool, error) {
	if !l.limiter.Allow() {
		l.logger.Debug("[ORACLE] Call throttled")
		return false, ErrThrottled
	}
	return l.next.Assess(ctx, c)
}

// Mode returns the wrapped client's mode.
func (l *Limited) Mode() Mode { return l.next.Mode() }

// Close closes the wrapped client.
func (l *Limited) Close() error { return l.next.Close() }
