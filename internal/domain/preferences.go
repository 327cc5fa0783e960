package domain

import (
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
)

// Preferences are a user's stored assistance settings.
type Preferences struct {
	UserID                 string    `json:"-"`
	AssistanceDelaySeconds int       `json:"assistanceDelaySeconds"`
	AutoAssistEnabled      bool      `json:"autoAssistEnabled"`
	AutoActivate           bool      `json:"autoActivate"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// NewPreferences stores p for userID, clamping the delay.
func NewPreferences(userID string, p stuck.Preferences, now time.Time) *Preferences {
	p = p.Normalize()
	return &Preferences{
		UserID:                 userID,
		AssistanceDelaySeconds: p.AssistanceDelaySeconds,
		AutoAssistEnabled:      p.AutoAssistEnabled,
		AutoActivate:           p.AutoActivate,
		UpdatedAt:              now,
	}
}

// Engine returns the settings in the form the scheduler consumes.
func (p *Preferences) Engine() stuck.Preferences {
	return stuck.Preferences{
		AssistanceDelaySeconds: p.AssistanceDelaySeconds,
		AutoAssistEnabled:      p.AutoAssistEnabled,
		AutoActivate:           p.AutoActivate,
	}.Normalize()
}
