// Package oracle provides the remote assistance-need check consulted by the
// scheduler on its offer tick. Every client is advisory: errors are returned,
// never retried, and the caller falls back to its local verdict.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
)

// Mode selects the oracle transport.
type Mode string

const (
	ModeNone Mode = "none"
	ModeHTTP Mode = "http"
	ModeGRPC Mode = "grpc"
)

// ParseMode maps a config value to a Mode. Empty means none.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeHTTP:
		return ModeHTTP, nil
	case ModeGRPC:
		return ModeGRPC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

var (
	// ErrUnknownMode is returned for an unsupported ORACLE_MODE.
	ErrUnknownMode = errors.New("unknown oracle mode")
	// ErrThrottled is returned when the rate limiter rejects a call.
	ErrThrottled = errors.New("oracle call throttled")
	// ErrBadResponse is returned when the oracle answers with something
	// that cannot be read as a verdict.
	ErrBadResponse = errors.New("malformed oracle response")
)

// Client is an assistance-need oracle with a lifecycle.
type Client interface {
	stuck.Oracle
	Mode() Mode
	Close() error
}

// Config holds the settings for New.
type Config struct {
	Mode Mode
	// URL is the base URL of the HTTP oracle.
	URL string
	// Addr is the host:port of the gRPC oracle.
	Addr string
	// Timeout bounds one call when the caller's context has no deadline.
	Timeout time.Duration
	// RatePerMinute caps calls across all sessions. Zero disables the cap.
	RatePerMinute int
}

// New builds the client selected by cfg.Mode. ModeNone returns a nil client
// and no error: the scheduler then relies on its local verdict only.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		client Client
		err    error
	)
	switch cfg.Mode {
	case ModeNone, "":
		return nil, nil //nolint:nilnil // no oracle configured is not an error
	case ModeHTTP:
		client, err = NewHTTPClient(cfg.URL, cfg.Timeout, logger)
	case ModeGRPC:
		client, err = NewGRPCClient(GRPCConfig{Address: cfg.Addr, RequestTimeout: cfg.Timeout}, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RatePerMinute > 0 {
		client = NewLimited(client, cfg.RatePerMinute, logger)
	}
	logger.Info("[ORACLE] Assistance oracle enabled", "mode", string(cfg.Mode), "rate_per_minute", cfg.RatePerMinute)
	return client, nil
}

// Verdict is the decoded oracle answer.
type Verdict struct {
	Success         bool    `json:"success"`
	NeedsAssistance bool    `json:"needs_assistance"`
	Reasoning       string  `json:"reasoning,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
}

// resolve turns a verdict into a decision. A response flagged unsuccessful
// falls back to the context indicators.
func resolve(v Verdict, c stuck.Context, logger *slog.Logger) bool {
	if v.Success {
		return v.NeedsAssistance
	}
	needs := Indicators(c)
	logger.Debug("[ORACLE] Remote analysis unsuccessful, using context indicators", "needs_assistance", needs)
	return needs
}

// withTimeout applies d only when ctx carries no deadline of its own.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
