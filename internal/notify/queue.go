package notify

import (
	"container/list"
	"sync"
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
)

// defaultQueueSize is the replay depth kept per session.
const defaultQueueSize = 100

// Message is one broadcast event with its stream ID.
type Message struct {
	EventID   int64
	UserID    string
	SessionID string
	Event     stuck.Event
	Timestamp time.Time
}

// ReplayQueue keeps the most recent messages of every session so a
// reconnecting stream can catch up from its Last-Event-ID. Each session has
// its own bounded list; a burst in one session never evicts another's.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewReplayQueue creates a queue keeping up to maxSize messages per session.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = defaultQueueSize
	}
	return &ReplayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Enqueue appends msg to its session's queue.
func (q *ReplayQueue) Enqueue(msg *Message) {
	key := sessionKey(msg.UserID, msg.SessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(msg)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// Since returns the session's messages with an ID greater than afterID, oldest first.
func (q *ReplayQueue) Since(userID, sessionID string, afterID int64) []*Message {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[sessionKey(userID, sessionID)]
	if !ok {
		return nil
	}
	var missed []*Message
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*Message)
		if msg.EventID > afterID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Len reports how many messages a session currently holds.
func (q *ReplayQueue) Len(userID, sessionID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if l, ok := q.queues[sessionKey(userID, sessionID)]; ok {
		return l.Len()
	}
	return 0
}

// Prune drops a session's queue.
func (q *ReplayQueue) Prune(userID, sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, sessionKey(userID, sessionID))
}
