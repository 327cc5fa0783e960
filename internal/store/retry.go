package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
)

// isConflict reports SQLite lock contention (SQLITE_BUSY or "database is
// locked"), which is worth retrying.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs op, retrying lock conflicts with exponential backoff
// (100ms, 200ms).
func withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isConflict(err) || i == maxRetries-1 {
			break
		}

		delay := baseRetryDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
