package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/leetcoach/internal/identity"
	"github.com/ashureev/leetcoach/internal/middleware"
	"github.com/ashureev/leetcoach/internal/notify"
	"github.com/ashureev/leetcoach/internal/store"
	"github.com/ashureev/leetcoach/internal/stuck"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// MonitorPath is the websocket endpoint the extension's page shim connects to.
const MonitorPath = "/ws/monitor"

const (
	outboundBuffer     = 32
	writeTimeout       = 5 * time.Second
	lastSeenInterval   = time.Minute
	maxClientMsgBytes  = 1 << 20
	stopOnLeaveTimeout = 2 * time.Second
)

// clientMessage is every message the page shim can send. Only the fields of
// the given type are read.
type clientMessage struct {
	Type     string          `json:"type"`
	Kind     string          `json:"kind,omitempty"`
	Code     string          `json:"code,omitempty"`
	Language string          `json:"language,omitempty"`
	URL      string          `json:"url,omitempty"`
	Problem  json.RawMessage `json:"problem,omitempty"`
	Text     string          `json:"text,omitempty"`
	Outcome  string          `json:"outcome,omitempty"`
	Hidden   bool            `json:"hidden,omitempty"`

	AssistanceDelaySeconds *int  `json:"assistanceDelaySeconds,omitempty"`
	AutoAssistEnabled      *bool `json:"autoAssistEnabled,omitempty"`
	AutoActivate           *bool `json:"autoActivate,omitempty"`
}

type serverMessage struct {
	Type        string             `json:"type"`
	Event       *stuck.Event       `json:"event,omitempty"`
	State       string             `json:"state,omitempty"`
	Preferences *stuck.Preferences `json:"preferences,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// errBadMessage marks client mistakes that are reported back without
// closing the socket.
var errBadMessage = errors.New("bad message")

// WebSocketHandler streams page events into the session's monitor and
// pushes its offers back.
type WebSocketHandler struct {
	reg     *Registry
	repo    store.Repository
	origins []string
	isDev   bool
	logger  *slog.Logger
}

// NewWebSocketHandler creates the handler. repo may be nil.
func NewWebSocketHandler(reg *Registry, repo store.Repository, origins []string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		reg:     reg,
		repo:    repo,
		origins: origins,
		isDev:   isDev,
		logger:  logger,
	}
}

// RegisterRoutes mounts the websocket endpoint. The router must run the
// identity middleware.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get(MonitorPath, h.ServeHTTP)
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, `{"error": "origin not allowed"}`, http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was checked above against the configured patterns.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxClientMsgBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.reg.Acquire(ctx, userID, sessionID)
	if err != nil {
		h.logger.Error("Failed to acquire session", "error", err, "user_id", userID, "session_id", sessionID)
		if werr := writeJSON(ctx, ws, serverMessage{Type: "error", Error: "session_unavailable"}); werr != nil {
			h.logger.Debug("Failed to send session error", "error", werr)
		}
		return
	}
	h.logger.Info("Monitor socket connected", "user_id", userID, "session_id", sessionID)

	out := make(chan serverMessage, outboundBuffer)
	unsubscribe := sess.Subscribe(func(ev stuck.Event) {
		msg := serverMessage{Type: notify.MessageType(ev.Kind), Event: &ev}
		select {
		case out <- msg:
		default:
			h.logger.Warn("[MONITOR] Socket outbound buffer full, offer dropped",
				"user_id", userID,
				"session_id", sessionID,
				"event_id", ev.ID,
			)
		}
	})
	defer h.leave(sess, unsubscribe)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, ws, out, userID)
	}()

	if hello, err := h.stateMessage(ctx, sess); err == nil {
		h.reply(ctx, out, hello)
	}

	h.readLoop(ctx, ws, sess, out)
	cancel()
	wg.Wait()
	h.logger.Info("Monitor socket closed", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || middleware.OriginAllowed(h.origins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

// leave detaches a socket. The last socket of a session stops its monitor;
// the session itself stays until the sweeper evicts it.
func (h *WebSocketHandler) leave(sess *Session, unsubscribe func()) {
	unsubscribe()
	if sess.Listeners() > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopOnLeaveTimeout)
	defer cancel()
	stop := func(s *stuck.Scheduler) {
		// A reconnecting socket may have attached while this was queued.
		if sess.Listeners() == 0 {
			s.Stop()
		}
	}
	if err := sess.Do(ctx, stop); err != nil {
		h.logger.Debug("Failed to stop monitor on leave", "error", err, "user_id", sess.UserID)
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan serverMessage, userID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			if err := writeJSON(ctx, ws, msg); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err, "user_id", userID)
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sess *Session, out chan<- serverMessage) {
	var lastPersisted time.Time
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed by client", "user_id", sess.UserID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", sess.UserID)
			}
			return
		}

		now := time.Now()
		sess.Touch(now)
		if now.Sub(lastPersisted) >= lastSeenInterval {
			lastPersisted = now
			h.updateLastSeen(sess.UserID, now)
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, out, serverMessage{Type: "error", Error: "invalid message"})
			continue
		}

		reply, err := h.handle(ctx, sess, msg)
		switch {
		case errors.Is(err, errBadMessage):
			h.reply(ctx, out, serverMessage{Type: "error", Error: err.Error()})
		case errors.Is(err, stuck.ErrMonitorClosed):
			h.reply(ctx, out, serverMessage{Type: "error", Error: "session_closed"})
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("Failed to handle monitor message", "error", err, "type", msg.Type, "user_id", sess.UserID)
			h.reply(ctx, out, serverMessage{Type: "error", Error: "internal error"})
		case reply != nil:
			h.reply(ctx, out, *reply)
		}
	}
}

//nolint:gocyclo // One case per message type keeps the protocol readable.
func (h *WebSocketHandler) handle(ctx context.Context, sess *Session, msg clientMessage) (*serverMessage, error) {
	switch msg.Type {
	case "start":
		return h.apply(ctx, sess, func(s *stuck.Scheduler) { s.Start() })
	case "stop":
		return h.apply(ctx, sess, func(s *stuck.Scheduler) { s.Stop() })
	case "visibility":
		return h.apply(ctx, sess, func(s *stuck.Scheduler) { s.SetVisibility(msg.Hidden) })
	case "dismiss":
		return h.apply(ctx, sess, func(s *stuck.Scheduler) { s.Dismiss() })
	case "new_attempt":
		return h.apply(ctx, sess, func(s *stuck.Scheduler) { s.ResetAttempt() })
	case "activity":
		kind, err := stuck.ParseActivityKind(msg.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadMessage, err)
		}
		return nil, sess.Do(ctx, func(s *stuck.Scheduler) { s.RecordActivity(kind) })
	case "code":
		return nil, sess.Do(ctx, func(s *stuck.Scheduler) { s.UpdateCode(msg.Code, msg.Language) })
	case "page":
		return nil, sess.Do(ctx, func(s *stuck.Scheduler) { s.UpdatePage(msg.URL, msg.Problem) })
	case "result_text":
		return nil, sess.Do(ctx, func(s *stuck.Scheduler) { s.ObserveResultText(msg.Text) })
	case "test_result":
		outcome, err := parseOutcome(msg.Outcome, msg.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadMessage, err)
		}
		if outcome == stuck.OutcomeNone {
			return nil, nil
		}
		return nil, sess.Do(ctx, func(s *stuck.Scheduler) { s.TestResult(outcome, msg.Text) })
	case "preferences":
		return h.updatePreferences(ctx, sess, msg)
	case "ping":
		return &serverMessage{Type: "pong"}, nil
	default:
		h.logger.Debug("Ignoring unknown monitor message", "type", msg.Type, "user_id", sess.UserID)
		return nil, nil
	}
}

// parseOutcome uses the explicit outcome when given and classifies the
// raw text otherwise.
func parseOutcome(outcome, text string) (stuck.TestOutcome, error) {
	if outcome != "" {
		return stuck.ParseTestOutcome(outcome)
	}
	o, _ := stuck.ClassifyResult(text)
	return o, nil
}

// apply runs fn and reports the resulting state.
func (h *WebSocketHandler) apply(ctx context.Context, sess *Session, fn func(*stuck.Scheduler)) (*serverMessage, error) {
	var state stuck.State
	if err := sess.Do(ctx, func(s *stuck.Scheduler) {
		fn(s)
		state = s.State()
	}); err != nil {
		return nil, err
	}
	return &serverMessage{Type: "state", State: state.String()}, nil
}

func (h *WebSocketHandler) updatePreferences(ctx context.Context, sess *Session, msg clientMessage) (*serverMessage, error) {
	var current stuck.Preferences
	if err := sess.Do(ctx, func(s *stuck.Scheduler) { current = s.Preferences() }); err != nil {
		return nil, err
	}
	if msg.AssistanceDelaySeconds != nil {
		current.AssistanceDelaySeconds = *msg.AssistanceDelaySeconds
	}
	if msg.AutoAssistEnabled != nil {
		current.AutoAssistEnabled = *msg.AutoAssistEnabled
	}
	if msg.AutoActivate != nil {
		current.AutoActivate = *msg.AutoActivate
	}
	applied, err := h.reg.UpdatePreferences(ctx, sess.UserID, current)
	if err != nil {
		return nil, err
	}
	return &serverMessage{Type: "preferences", Preferences: &applied}, nil
}

func (h *WebSocketHandler) stateMessage(ctx context.Context, sess *Session) (serverMessage, error) {
	var (
		state stuck.State
		prefs stuck.Preferences
	)
	err := sess.Do(ctx, func(s *stuck.Scheduler) {
		state = s.State()
		prefs = s.Preferences()
	})
	return serverMessage{Type: "state", State: state.String(), Preferences: &prefs}, err
}

func (h *WebSocketHandler) reply(ctx context.Context, out chan<- serverMessage, msg serverMessage) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

// updateLastSeen writes asynchronously with its own timeout.
func (h *WebSocketHandler) updateLastSeen(userID string, at time.Time) {
	if h.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := h.repo.UpdateLastSeen(ctx, userID, at); err != nil {
			h.logger.Warn("Failed to update last seen", "error", err, "user_id", userID)
		}
	}()
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
