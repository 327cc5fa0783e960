package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/leetcoach/internal/store"
)

const sweepInterval = time.Minute

// EvictCallback is called for every session the sweeper removes.
type EvictCallback func(userID, sessionID string)

// Sweeper evicts monitors of pages nobody is watching any more and prunes
// the offer history past its retention.
type Sweeper struct {
	reg       *Registry
	repo      store.Repository
	idleTTL   time.Duration
	retention time.Duration
	onEvict   EvictCallback
	logger    *slog.Logger
}

// NewSweeper creates a sweeper. repo may be nil, which disables history pruning.
func NewSweeper(reg *Registry, repo store.Repository, idleTTL, retention time.Duration, onEvict EvictCallback, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		reg:       reg,
		repo:      repo,
		idleTTL:   idleTTL,
		retention: retention,
		onEvict:   onEvict,
		logger:    logger,
	}
}

// Start runs the sweep loop on its own goroutine until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("[SWEEPER] Started", "interval", sweepInterval, "idle_ttl", s.idleTTL, "retention", s.retention)

		for {
			select {
			case now := <-ticker.C:
				s.Sweep(ctx, now)
			case <-ctx.Done():
				s.logger.Info("[SWEEPER] Shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one pass at now and returns the number of evicted sessions.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	evicted := 0
	if s.idleTTL > 0 {
		for _, sess := range s.reg.Idle(now.Add(-s.idleTTL)) {
			s.logger.Info("[SWEEPER] Evicting idle session",
				"user_id", sess.UserID,
				"session_id", sess.SessionID,
				"last_seen", sess.LastSeen(),
			)
			if !s.reg.Remove(sess.UserID, sess.SessionID) {
				continue
			}
			evicted++
			if s.onEvict != nil {
				s.onEvict(sess.UserID, sess.SessionID)
			}
		}
	}
	if evicted > 0 {
		s.logger.Info("[SWEEPER] Cleanup completed", "evicted", evicted, "active", s.reg.Len())
	}

	if s.repo == nil || s.retention <= 0 {
		return evicted
	}
	deleted, err := s.repo.DeleteOffersBefore(ctx, now.Add(-s.retention))
	switch {
	case err != nil && ctx.Err() != nil:
		s.logger.Debug("[SWEEPER] Context canceled during offer pruning", "error", err)
	case err != nil:
		s.logger.Error("[SWEEPER] Failed to prune offer history", "error", err)
	case deleted > 0:
		s.logger.Info("[SWEEPER] Pruned offer history", "count", deleted)
	}
	return evicted
}
