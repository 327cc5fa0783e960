package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/leetcoach/internal/domain"
	"github.com/ashureev/leetcoach/internal/store"
	"github.com/ashureev/leetcoach/internal/stuck"
)

const testUser = "anon_0123456789abcdef0123456789abcdef"

type fakePublisher struct {
	mu        sync.Mutex
	published []stuck.Event
	forgotten []string
}

func (p *fakePublisher) Publish(userID, sessionID string, ev stuck.Event) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ev)
	return int64(len(p.published))
}

func (p *fakePublisher) Forget(userID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, key(userID, sessionID))
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestRegistry(t *testing.T, repo store.Repository, pub Publisher) *Registry {
	t.Helper()
	reg := NewRegistry(context.Background(), Options{
		Engine:    stuck.DefaultConfig(),
		Repo:      repo,
		Publisher: pub,
	})
	t.Cleanup(reg.Close)
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAcquireReusesSession(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	a, err := reg.Acquire(ctx, testUser, "tab-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := reg.Acquire(ctx, testUser, "tab-1")
	if err != nil {
		t.Fatalf("Acquire again: %v", err)
	}
	if a != b {
		t.Fatal("second Acquire created a new session")
	}
	if _, err := reg.Acquire(ctx, testUser, "tab-2"); err != nil {
		t.Fatalf("Acquire tab-2: %v", err)
	}
	if n := reg.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	if reg.Get(testUser, "tab-3") != nil {
		t.Fatal("Get returned a session that was never acquired")
	}
}

func TestAcquireAppliesStoredPreferences(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()
	stored := stuck.Preferences{AssistanceDelaySeconds: 90, AutoAssistEnabled: false, AutoActivate: false}
	if err := repo.UpsertPreferences(ctx, domain.NewPreferences(testUser, stored, time.Now())); err != nil {
		t.Fatalf("UpsertPreferences: %v", err)
	}
	reg := newTestRegistry(t, repo, nil)

	sess, err := reg.Acquire(ctx, testUser, "tab-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	var got stuck.Preferences
	if err := sess.Do(ctx, func(s *stuck.Scheduler) { got = s.Preferences() }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != stored {
		t.Fatalf("preferences = %+v, want %+v", got, stored)
	}
}

func TestDispatchFansOutAndPersists(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	pub := &fakePublisher{}
	reg := newTestRegistry(t, repo, pub)
	ctx := context.Background()

	sess, err := reg.Acquire(ctx, testUser, "tab-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	received := make(chan stuck.Event, 1)
	unsubscribe := sess.Subscribe(func(ev stuck.Event) { received <- ev })
	defer unsubscribe()

	if err := sess.Do(ctx, func(s *stuck.Scheduler) {
		s.Start()
		s.UpdatePage("https://leetcode.com/problems/two-sum/", nil)
		s.TestResult(stuck.OutcomePassed, "Accepted")
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Kind != stuck.EventSolutionSuggestion {
			t.Fatalf("kind = %q, want solution suggestion", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive the event")
	}
	if n := pub.count(); n != 1 {
		t.Fatalf("published = %d, want 1", n)
	}

	waitFor(t, "offer history", func() bool {
		offers, err := repo.ListOffers(ctx, testUser, 10)
		return err == nil && len(offers) == 1 && offers[0].Trigger == string(stuck.TriggerTestPassed)
	})
}

func TestRemoveStopsMonitor(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	reg := newTestRegistry(t, nil, pub)
	ctx := context.Background()

	sess, err := reg.Acquire(ctx, testUser, "tab-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !reg.Remove(testUser, "tab-1") {
		t.Fatal("Remove = false, want true")
	}
	if reg.Remove(testUser, "tab-1") {
		t.Fatal("second Remove = true, want false")
	}
	if err := sess.Do(ctx, func(*stuck.Scheduler) {}); !errors.Is(err, stuck.ErrMonitorClosed) {
		t.Fatalf("Do after Remove = %v, want ErrMonitorClosed", err)
	}
	if len(pub.forgotten) != 1 || pub.forgotten[0] != key(testUser, "tab-1") {
		t.Fatalf("forgotten = %v", pub.forgotten)
	}
}

func TestUpdatePreferencesClampsPersistsAndApplies(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	reg := newTestRegistry(t, repo, nil)
	ctx := context.Background()

	sess, err := reg.Acquire(ctx, testUser, "tab-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	applied, err := reg.UpdatePreferences(ctx, testUser, stuck.Preferences{AssistanceDelaySeconds: 1, AutoAssistEnabled: true})
	if err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}
	if applied.AssistanceDelaySeconds != stuck.MinDelaySeconds {
		t.Fatalf("applied delay = %d, want %d", applied.AssistanceDelaySeconds, stuck.MinDelaySeconds)
	}

	var live stuck.Preferences
	if err := sess.Do(ctx, func(s *stuck.Scheduler) { live = s.Preferences() }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if live != applied {
		t.Fatalf("live preferences = %+v, want %+v", live, applied)
	}

	stored, err := reg.Preferences(ctx, testUser)
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if stored != applied {
		t.Fatalf("stored preferences = %+v, want %+v", stored, applied)
	}
}

func TestApplyEnginePushesThresholds(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	sess, err := reg.Acquire(ctx, testUser, "tab-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	cfg := stuck.DefaultConfig()
	cfg.Thresholds = stuck.Thresholds{CodeStagnation: 2, ActivityStagnation: 3, Errors: 4}
	reg.ApplyEngine(ctx, cfg)

	var got stuck.Thresholds
	if err := sess.Do(ctx, func(s *stuck.Scheduler) { got = s.Config().Thresholds }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != cfg.Thresholds {
		t.Fatalf("live thresholds = %+v, want %+v", got, cfg.Thresholds)
	}

	fresh, err := reg.Acquire(ctx, testUser, "tab-2")
	if err != nil {
		t.Fatalf("Acquire tab-2: %v", err)
	}
	if err := fresh.Do(ctx, func(s *stuck.Scheduler) { got = s.Config().Thresholds }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != cfg.Thresholds {
		t.Fatalf("new session thresholds = %+v, want %+v", got, cfg.Thresholds)
	}
}

func TestClosedRegistryRejectsAcquire(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	sess, err := reg.Acquire(ctx, testUser, "tab-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	reg.Close()

	if _, err := reg.Acquire(ctx, testUser, "tab-1"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Acquire after Close = %v, want ErrRegistryClosed", err)
	}
	select {
	case <-sess.monitor.Done():
	default:
		t.Fatal("monitor still running after Close")
	}
}
