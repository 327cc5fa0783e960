// Package notify fans assistance offers out to the extension's assistance
// panel over Server-Sent Events.
package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/leetcoach/internal/config"
	"github.com/ashureev/leetcoach/internal/identity"
	"github.com/ashureev/leetcoach/internal/stuck"
	"github.com/go-chi/chi/v5"
)

// StreamPath is the SSE endpoint.
const StreamPath = "/api/offers/stream"

const (
	defaultKeepalive = 10 * time.Second
	defaultRetry     = 3 * time.Second
	broadcastBuffer  = 64
)

// MessageType maps an event kind to the wire message type shared by the
// websocket and SSE transports.
func MessageType(kind stuck.EventKind) string {
	if kind == stuck.EventSolutionSuggestion {
		return "solution_suggestion"
	}
	return "offer"
}

type connection struct {
	id        int64
	userID    string
	sessionID string
	w         http.ResponseWriter
	flusher   http.Flusher
	lastSent  int64
	closed    bool
	mu        sync.Mutex
}

// Hub assigns stream IDs to published events, keeps them for replay and
// writes them to every stream open for the same user and session.
type Hub struct {
	cfg       config.SSEConfig
	logger    *slog.Logger
	queue     *ReplayQueue
	broadcast chan *Message

	connsMu sync.RWMutex
	conns   map[string]map[int64]*connection

	eventCounter atomic.Int64
	connCounter  atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub and starts its broadcast loop. Call Close to stop it.
func NewHub(cfg config.SSEConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultKeepalive
	}
	if cfg.Retry <= 0 {
		cfg.Retry = defaultRetry
	}
	h := &Hub{
		cfg:       cfg,
		logger:    logger,
		queue:     NewReplayQueue(cfg.QueueSize),
		broadcast: make(chan *Message, broadcastBuffer),
		conns:     make(map[string]map[int64]*connection),
		done:      make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// RegisterRoutes mounts the stream endpoint. The router must run the
// identity middleware.
func (h *Hub) RegisterRoutes(r chi.Router) {
	r.Get(StreamPath, h.HandleStream)
}

// Publish queues ev for the session's streams. It never blocks: when the
// broadcast buffer is full the event is still kept for replay.
func (h *Hub) Publish(userID, sessionID string, ev stuck.Event) int64 {
	msg := &Message{
		EventID:   h.eventCounter.Add(1),
		UserID:    userID,
		SessionID: sessionID,
		Event:     ev,
		Timestamp: time.Now(),
	}
	h.queue.Enqueue(msg)

	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("[BROADCAST] Buffer full, event kept for replay only",
			"user_id", userID,
			"session_id", sessionID,
			"event_id", msg.EventID,
		)
	}
	return msg.EventID
}

// Forget drops the replay queue of a session that has ended.
func (h *Hub) Forget(userID, sessionID string) {
	h.queue.Prune(userID, sessionID)
}

// ActiveStreams reports the number of open SSE connections.
func (h *Hub) ActiveStreams() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	n := 0
	for _, c := range h.conns {
		n += len(c)
	}
	return n
}

// Close stops the broadcast loop and ends every open stream.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) broadcastLoop() {
	h.logger.Info("[BROADCAST] Broadcast loop started")
	for {
		select {
		case <-h.done:
			h.logger.Info("[BROADCAST] Broadcast loop shutting down")
			return
		case msg := <-h.broadcast:
			h.connsMu.RLock()
			sessionConns := h.conns[sessionKey(msg.UserID, msg.SessionID)]
			conns := make([]*connection, 0, len(sessionConns))
			for _, c := range sessionConns {
				conns = append(conns, c)
			}
			h.connsMu.RUnlock()

			if len(conns) == 0 {
				h.logger.Debug("[BROADCAST] No streams for session",
					"user_id", msg.UserID,
					"session_id", msg.SessionID,
				)
				continue
			}
			for _, c := range conns {
				h.send(c, msg)
			}
		}
	}
}

// send writes msg unless the connection has already seen it.
func (h *Hub) send(c *connection, msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.sendLocked(c, msg)
}

func (h *Hub) sendLocked(c *connection, msg *Message) {
	if c.closed || msg.EventID <= c.lastSent {
		return
	}
	data, err := json.Marshal(msg.Event)
	if err != nil {
		h.logger.Error("[BROADCAST] Failed to marshal event", "error", err, "conn_id", c.id)
		return
	}
	if err := writeSSEWithID(c.w, msg.EventID, MessageType(msg.Event.Kind), string(data)); err != nil {
		h.logger.Warn("[BROADCAST] Failed to write to stream",
			"error", err,
			"conn_id", c.id,
			"user_id", c.userID,
		)
		return
	}
	c.flusher.Flush()
	c.lastSent = msg.EventID
}

func (h *Hub) register(c *connection) {
	key := sessionKey(c.userID, c.sessionID)
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	if _, ok := h.conns[key]; !ok {
		h.conns[key] = make(map[int64]*connection)
	}
	h.conns[key][c.id] = c
}

func (h *Hub) unregister(c *connection) {
	key := sessionKey(c.userID, c.sessionID)
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	if sessionConns, ok := h.conns[key]; ok {
		delete(sessionConns, c.id)
		if len(sessionConns) == 0 {
			delete(h.conns, key)
		}
	}
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// HandleStream serves GET /api/offers/stream.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.cfg.Retry.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	c := &connection{
		id:        h.connCounter.Add(1),
		userID:    userID,
		sessionID: sessionID,
		w:         w,
		flusher:   flusher,
	}
	// Live broadcasts wait on c.mu until the replay is written, then skip
	// anything already replayed.
	after := lastEventID(r)
	c.mu.Lock()
	h.register(c)
	if after == 0 {
		c.lastSent = h.eventCounter.Load()
	} else {
		missed := h.queue.Since(userID, sessionID, after)
		if len(missed) > 0 {
			h.logger.Info("Replaying missed offers",
				"user_id", userID,
				"session_id", sessionID,
				"count", len(missed),
			)
		}
		for _, msg := range missed {
			h.sendLocked(c, msg)
		}
	}
	c.mu.Unlock()

	defer func() {
		h.unregister(c)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		h.logger.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", c.id)
	}()

	// The connected event carries no id so the client's Last-Event-ID is untouched.
	connected := fmt.Sprintf(`{"status":"connected","session_id":%q}`, sessionID)
	c.mu.Lock()
	err := writeSSE(w, "connected", connected)
	if err == nil {
		flusher.Flush()
	}
	c.mu.Unlock()
	if err != nil {
		h.logger.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}

	h.logger.Info("SSE connection established",
		"user_id", userID,
		"session_id", sessionID,
		"conn_id", c.id,
		"reconnect", after > 0,
	)

	keepalive := time.NewTicker(h.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-keepalive.C:
			c.mu.Lock()
			err := writeSSE(w, "ping", `{"status":"alive"}`)
			if err == nil {
				flusher.Flush()
			}
			c.mu.Unlock()
			if err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
