// Package api provides the JSON endpoints of the LeetCoach server.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/leetcoach/internal/session"
	"github.com/ashureev/leetcoach/internal/store"
	"github.com/ashureev/leetcoach/internal/stuck"
	"github.com/go-chi/chi/v5"
)

const (
	maxRequestBodySize = 1 << 16
	pingTimeout        = 2 * time.Second
)

// StreamCounter reports open offer streams. notify.Hub implements it.
type StreamCounter interface {
	ActiveStreams() int
}

// Handler serves the REST endpoints.
type Handler struct {
	repo       store.Repository
	reg        *session.Registry
	streams    StreamCounter
	oracleMode string
	started    time.Time
}

// NewHandler creates a Handler. streams may be nil.
func NewHandler(repo store.Repository, reg *session.Registry, streams StreamCounter, oracleMode string) *Handler {
	return &Handler{
		repo:       repo,
		reg:        reg,
		streams:    streams,
		oracleMode: oracleMode,
		started:    time.Now(),
	}
}

// RegisterPublicRoutes registers the endpoints that need no identity.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/config", h.GetConfig)
}

// RegisterRoutes registers the per-user endpoints. The router must run the
// identity middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.PutPreferences)
		r.Get("/offers", h.ListOffers)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health reports database reachability and engine load.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	dbStatus := "ok"
	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check database ping failed", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
		dbStatus = "unreachable"
	}

	streams := 0
	if h.streams != nil {
		streams = h.streams.ActiveStreams()
	}
	JSON(w, code, map[string]any{
		"status":          status,
		"database":        dbStatus,
		"oracle_mode":     h.oracleMode,
		"active_monitors": h.reg.Len(),
		"active_streams":  streams,
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
	})
}

// GetConfig returns what the extension's settings page needs to render.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	defaults := stuck.DefaultPreferences()
	JSON(w, http.StatusOK, map[string]any{
		"oracle_mode":       h.oracleMode,
		"min_delay_seconds": stuck.MinDelaySeconds,
		"max_delay_seconds": stuck.MaxDelaySeconds,
		"defaults":          defaults,
	})
}
