// Package session hosts one stuck monitor per open problem page and connects
// it to the extension's websocket, the offer stream and the offer history.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/leetcoach/internal/domain"
	"github.com/ashureev/leetcoach/internal/store"
	"github.com/ashureev/leetcoach/internal/stuck"
)

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("session registry closed")

const persistTimeout = 5 * time.Second

// Publisher receives every emitted event. notify.Hub implements it.
type Publisher interface {
	Publish(userID, sessionID string, ev stuck.Event) int64
	Forget(userID, sessionID string)
}

// Options configures a Registry.
type Options struct {
	Engine             stuck.Config
	DefaultPreferences stuck.Preferences
	Oracle             stuck.Oracle
	Repo               store.Repository
	Publisher          Publisher
	Clock              stuck.Clock
	Logger             *slog.Logger
}

// Session is one page session: a running monitor plus the websocket
// listeners that want its events.
type Session struct {
	UserID    string
	SessionID string

	monitor  *stuck.Monitor
	cancel   context.CancelFunc
	lastSeen atomic.Int64

	mu           sync.Mutex
	listeners    map[int64]func(stuck.Event)
	nextListener int64
}

// Do runs fn on the session's monitor goroutine.
func (s *Session) Do(ctx context.Context, fn func(*stuck.Scheduler)) error {
	return s.monitor.Do(ctx, fn)
}

// Subscribe registers fn for every event the session emits. fn runs on the
// monitor goroutine and must not block.
func (s *Session) Subscribe(fn func(stuck.Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Listeners reports how many subscribers are attached.
func (s *Session) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Touch marks the session as active at t.
func (s *Session) Touch(t time.Time) { s.lastSeen.Store(t.UnixNano()) }

// LastSeen returns when the session last saw traffic.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) deliver(ev stuck.Event) {
	s.mu.Lock()
	fns := make([]func(stuck.Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Registry owns the live sessions, keyed by user and tab session.
type Registry struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	engine   stuck.Config
	sessions map[string]*Session
	wg       sync.WaitGroup
	closed   bool
}

// NewRegistry creates a registry whose monitors live until ctx is cancelled
// or Close is called.
func NewRegistry(ctx context.Context, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = stuck.RealClock()
	}
	if opts.DefaultPreferences == (stuck.Preferences{}) {
		opts.DefaultPreferences = stuck.DefaultPreferences()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		engine:   opts.Engine,
		sessions: make(map[string]*Session),
	}
}

func key(userID, sessionID string) string { return userID + ":" + sessionID }

// Acquire returns the live session, creating its monitor on first use.
// Stored preferences of the user are applied to a new monitor.
func (r *Registry) Acquire(ctx context.Context, userID, sessionID string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[key(userID, sessionID)]; ok {
		r.mu.Unlock()
		s.Touch(r.opts.Clock.Now())
		return s, nil
	}
	r.mu.Unlock()

	prefs, err := r.loadPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	// Another caller may have created it while preferences were loading.
	if s, ok := r.sessions[key(userID, sessionID)]; ok {
		s.Touch(r.opts.Clock.Now())
		return s, nil
	}

	s := &Session{
		UserID:    userID,
		SessionID: sessionID,
		listeners: make(map[int64]func(stuck.Event)),
	}
	s.Touch(r.opts.Clock.Now())

	logger := r.logger.With("user_id", userID, "session_id", sessionID)
	opts := []stuck.Option{
		stuck.WithClock(r.opts.Clock),
		stuck.WithLogger(logger),
		stuck.WithPreferences(prefs),
		stuck.WithSink(func(ev stuck.Event) { r.dispatch(s, ev) }),
	}
	if r.opts.Oracle != nil {
		opts = append(opts, stuck.WithOracle(r.opts.Oracle))
	}
	s.monitor = stuck.NewMonitor(r.engine, opts...)

	monCtx, cancel := context.WithCancel(r.ctx)
	s.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := s.monitor.Run(monCtx); err != nil {
			logger.Warn("[MONITOR] Monitor exited with error", "error", err)
		}
	}()

	r.sessions[key(userID, sessionID)] = s
	logger.Info("[MONITOR] Session registered", "active_sessions", len(r.sessions))
	return s, nil
}

func (r *Registry) loadPreferences(ctx context.Context, userID string) (stuck.Preferences, error) {
	if r.opts.Repo == nil {
		return r.opts.DefaultPreferences, nil
	}
	stored, err := r.opts.Repo.GetPreferences(ctx, userID)
	if err != nil {
		return stuck.Preferences{}, fmt.Errorf("load preferences for %s: %w", userID, err)
	}
	if stored == nil {
		return r.opts.DefaultPreferences, nil
	}
	return stored.Engine(), nil
}

// dispatch runs on the monitor goroutine of s.
func (r *Registry) dispatch(s *Session, ev stuck.Event) {
	if r.opts.Publisher != nil {
		r.opts.Publisher.Publish(s.UserID, s.SessionID, ev)
	}
	s.deliver(ev)

	if r.opts.Repo == nil {
		return
	}
	record := domain.OfferFromEvent(s.UserID, s.SessionID, ev)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.opts.Repo.InsertOffer(ctx, record); err != nil {
			r.logger.Warn("Failed to persist offer",
				"error", err,
				"user_id", s.UserID,
				"session_id", s.SessionID,
				"event_id", ev.ID,
			)
		}
	}()
}

// Get returns the live session or nil.
func (r *Registry) Get(userID, sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key(userID, sessionID)]
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove stops the session's monitor and forgets it. It waits for the
// monitor goroutine to exit.
func (r *Registry) Remove(userID, sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key(userID, sessionID)]
	if ok {
		delete(r.sessions, key(userID, sessionID))
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.cancel()
	<-s.monitor.Done()
	if r.opts.Publisher != nil {
		r.opts.Publisher.Forget(userID, sessionID)
	}
	r.logger.Info("[MONITOR] Session removed", "user_id", userID, "session_id", sessionID)
	return true
}

// Idle returns the sessions without listeners that have been quiet since
// before cutoff.
func (r *Registry) Idle(cutoff time.Time) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.Listeners() == 0 && s.LastSeen().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

func (r *Registry) snapshot(match func(*Session) bool) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if match == nil || match(s) {
			out = append(out, s)
		}
	}
	return out
}

// ApplyEngine makes cfg the configuration of new monitors and pushes its
// thresholds to every live monitor.
func (r *Registry) ApplyEngine(ctx context.Context, cfg stuck.Config) {
	r.mu.Lock()
	r.engine = cfg
	r.mu.Unlock()

	sessions := r.snapshot(nil)
	for _, s := range sessions {
		if err := s.Do(ctx, func(sched *stuck.Scheduler) { sched.SetThresholds(cfg.Thresholds) }); err != nil {
			r.logger.Debug("Skipping threshold update", "error", err, "user_id", s.UserID, "session_id", s.SessionID)
		}
	}
	r.logger.Info("[CONFIG] Thresholds applied", "sessions", len(sessions))
}

// Preferences returns the stored preferences of userID, or the defaults.
func (r *Registry) Preferences(ctx context.Context, userID string) (stuck.Preferences, error) {
	return r.loadPreferences(ctx, userID)
}

// UpdatePreferences clamps p, persists it and applies it to every live
// session of the user. The clamped value is returned.
func (r *Registry) UpdatePreferences(ctx context.Context, userID string, p stuck.Preferences) (stuck.Preferences, error) {
	p = p.Normalize()
	if r.opts.Repo != nil {
		if err := r.opts.Repo.UpsertPreferences(ctx, domain.NewPreferences(userID, p, time.Now())); err != nil {
			return p, fmt.Errorf("save preferences: %w", err)
		}
	}

	for _, s := range r.snapshot(func(s *Session) bool { return s.UserID == userID }) {
		if err := s.Do(ctx, func(sched *stuck.Scheduler) { sched.SetPreferences(p) }); err != nil {
			r.logger.Debug("Skipping preferences update", "error", err, "user_id", userID, "session_id", s.SessionID)
		}
	}
	return p, nil
}

// Close stops every monitor and waits for pending offer writes.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Info("[MONITOR] Session registry closed")
}
