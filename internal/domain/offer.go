package domain

import (
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
)

// OfferRecord is the persisted history entry of one emitted event.
type OfferRecord struct {
	ID        string         `json:"id"`
	UserID    string         `json:"-"`
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Trigger   string         `json:"trigger"`
	Source    string         `json:"source,omitempty"`
	URL       string         `json:"url,omitempty"`
	AutoOpen  bool           `json:"auto_open"`
	Metrics   map[string]int `json:"metrics,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// OfferFromEvent builds the history entry for ev.
func OfferFromEvent(userID, sessionID string, ev stuck.Event) *OfferRecord {
	return &OfferRecord{
		ID:        ev.ID,
		UserID:    userID,
		SessionID: sessionID,
		Kind:      string(ev.Kind),
		Trigger:   string(ev.Trigger),
		Source:    string(ev.Source),
		URL:       ev.Context.URL,
		AutoOpen:  ev.AutoOpen,
		Metrics:   ev.Context.StuckMetrics,
		CreatedAt: ev.At,
	}
}
