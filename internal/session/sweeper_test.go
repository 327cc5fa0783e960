package session

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/leetcoach/internal/domain"
	"github.com/ashureev/leetcoach/internal/stuck"
)

func TestSweepEvictsIdleSessionsWithoutListeners(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	idle, err := reg.Acquire(ctx, testUser, "idle")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	watched, err := reg.Acquire(ctx, testUser, "watched")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer watched.Subscribe(func(stuck.Event) {})()
	if _, err := reg.Acquire(ctx, testUser, "fresh"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now := time.Now()
	idle.Touch(now.Add(-2 * time.Hour))
	watched.Touch(now.Add(-2 * time.Hour))

	var evicted []string
	sw := NewSweeper(reg, nil, time.Hour, 0, func(userID, sessionID string) {
		evicted = append(evicted, sessionID)
	}, nil)

	if n := sw.Sweep(ctx, now); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("evicted = %v, want [idle]", evicted)
	}
	if reg.Get(testUser, "watched") == nil || reg.Get(testUser, "fresh") == nil {
		t.Fatal("active sessions were evicted")
	}
}

func TestSweepPrunesOfferHistory(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	reg := newTestRegistry(t, repo, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, age := range []time.Duration{40 * 24 * time.Hour, time.Hour} {
		rec := &domain.OfferRecord{
			ID:        []string{"old", "recent"}[i],
			UserID:    testUser,
			SessionID: "tab-1",
			Kind:      string(stuck.EventAssistanceOffered),
			Trigger:   string(stuck.TriggerTimer),
			CreatedAt: now.Add(-age),
		}
		if err := repo.InsertOffer(ctx, rec); err != nil {
			t.Fatalf("InsertOffer: %v", err)
		}
	}

	sw := NewSweeper(reg, repo, time.Hour, 30*24*time.Hour, nil, nil)
	sw.Sweep(ctx, now)

	offers, err := repo.ListOffers(ctx, testUser, 10)
	if err != nil {
		t.Fatalf("ListOffers: %v", err)
	}
	if len(offers) != 1 || offers[0].ID != "recent" {
		t.Fatalf("offers after sweep = %+v, want only the recent one", offers)
	}
}
