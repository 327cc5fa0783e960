package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/leetcoach/internal/domain"
	"github.com/ashureev/leetcoach/internal/identity"
	"github.com/ashureev/leetcoach/internal/stuck"
)

// defaultOfferLimit is used when /api/offers has no limit parameter.
const defaultOfferLimit = 20

// preferencesRequest is a partial update; omitted fields keep their value.
type preferencesRequest struct {
	AssistanceDelaySeconds *int  `json:"assistanceDelaySeconds"`
	AutoAssistEnabled      *bool `json:"autoAssistEnabled"`
	AutoActivate           *bool `json:"autoActivate"`
}

func (p preferencesRequest) apply(base stuck.Preferences) stuck.Preferences {
	if p.AssistanceDelaySeconds != nil {
		base.AssistanceDelaySeconds = *p.AssistanceDelaySeconds
	}
	if p.AutoAssistEnabled != nil {
		base.AutoAssistEnabled = *p.AutoAssistEnabled
	}
	if p.AutoActivate != nil {
		base.AutoActivate = *p.AutoActivate
	}
	return base
}

// GetMe returns the caller's identity and the state of their current tab's monitor.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	state := "none"
	if sess := h.reg.Get(userID, sessionID); sess != nil {
		if err := sess.Do(r.Context(), func(s *stuck.Scheduler) { state = s.State().String() }); err != nil {
			state = "none"
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"user_id":       user.UserID,
		"username":      user.Username,
		"session_id":    sessionID,
		"monitor_state": state,
	})
}

// GetPreferences returns the caller's stored preferences or the defaults.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	prefs, err := h.reg.Preferences(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load preferences", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	JSON(w, http.StatusOK, prefs)
}

// PutPreferences merges, clamps, stores and applies new preferences to
// every live monitor of the caller.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	current, err := h.reg.Preferences(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load preferences", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}

	applied, err := h.reg.UpdatePreferences(r.Context(), userID, req.apply(current))
	if err != nil {
		slog.Error("Failed to save preferences", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	slog.Info("Preferences updated",
		"user_id", userID,
		"delay_seconds", applied.AssistanceDelaySeconds,
		"auto_assist", applied.AutoAssistEnabled,
		"auto_activate", applied.AutoActivate,
	)
	JSON(w, http.StatusOK, applied)
}

// ListOffers returns the caller's recent offer history, newest first.
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := defaultOfferLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	offers, err := h.repo.ListOffers(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list offers", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list offers")
		return
	}
	if offers == nil {
		offers = []*domain.OfferRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"offers": offers, "count": len(offers)})
}
