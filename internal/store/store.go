// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/leetcoach/internal/domain"
)

// Repository defines the interface for persisting users, their preferences
// and their offer history.
type Repository interface {
	// GetUser retrieves a user by their user ID. A missing user is (nil, nil).
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetPreferences retrieves stored preferences. Missing is (nil, nil).
	GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error)

	// UpsertPreferences creates or replaces a user's preferences.
	UpsertPreferences(ctx context.Context, prefs *domain.Preferences) error

	// InsertOffer appends an entry to the offer history.
	InsertOffer(ctx context.Context, offer *domain.OfferRecord) error

	// ListOffers returns a user's most recent offers, newest first.
	ListOffers(ctx context.Context, userID string, limit int) ([]*domain.OfferRecord, error)

	// DeleteOffersBefore prunes history older than cutoff.
	DeleteOffersBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
