// Package stuck implements the stuck-detection and adaptive assistance
// triggering engine: activity tracking, signal collection, the stuck verdict
// and the scheduler that decides when to offer help.
package stuck

import (
	"fmt"
	"time"
)

// ActivityKind is a class of raw user interaction.
type ActivityKind int

const (
	ActivityPointer ActivityKind = iota
	ActivityKey
	ActivityClick
	ActivityScroll
	ActivityCodeMutation
)

// String returns the wire name of the kind.
func (k ActivityKind) String() string {
	switch k {
	case ActivityPointer:
		return "pointer"
	case ActivityKey:
		return "key"
	case ActivityClick:
		return "click"
	case ActivityScroll:
		return "scroll"
	case ActivityCodeMutation:
		return "codeMutation"
	default:
		return "unknown"
	}
}

// ParseActivityKind maps a wire name to an ActivityKind.
func ParseActivityKind(s string) (ActivityKind, error) {
	switch s {
	case "pointer", "mousemove", "mouse":
		return ActivityPointer, nil
	case "key", "keydown", "keypress":
		return ActivityKey, nil
	case "click":
		return ActivityClick, nil
	case "scroll":
		return ActivityScroll, nil
	case "codeMutation", "code_mutation", "code":
		return ActivityCodeMutation, nil
	default:
		return 0, fmt.Errorf("unknown activity kind %q", s)
	}
}

// ActivitySnapshot is an immutable view of the tracker at one instant.
// Every Last* timestamp is <= Now.
type ActivitySnapshot struct {
	LastPointerOrKey time.Time
	LastScroll       time.Time
	LastClick        time.Time
	LastCodeMutation time.Time
	Now              time.Time
}

// IdleFor returns how long there has been no pointer, key or other general
// activity.
func (s ActivitySnapshot) IdleFor() time.Duration {
	return s.Now.Sub(s.LastPointerOrKey)
}

// ActivityTracker records the last time each kind of activity was seen.
// Timestamps never move backwards.
type ActivityTracker struct {
	lastPointerOrKey time.Time
	lastScroll       time.Time
	lastClick        time.Time
	lastCodeMutation time.Time
}

// NewActivityTracker creates a tracker with every timestamp set to start.
func NewActivityTracker(start time.Time) *ActivityTracker {
	t := &ActivityTracker{}
	t.Reset(start)
	return t
}

// Reset sets every timestamp to at, regardless of the previous values.
func (t *ActivityTracker) Reset(at time.Time) {
	t.lastPointerOrKey = at
	t.lastScroll = at
	t.lastClick = at
	t.lastCodeMutation = at
}

// Record stores activity of kind at time at. Every kind counts as general
// activity.
func (t *ActivityTracker) Record(kind ActivityKind, at time.Time) {
	t.lastPointerOrKey = later(t.lastPointerOrKey, at)
	switch kind {
	case ActivityScroll:
		t.lastScroll = later(t.lastScroll, at)
	case ActivityClick:
		t.lastClick = later(t.lastClick, at)
	case ActivityCodeMutation:
		t.lastCodeMutation = later(t.lastCodeMutation, at)
	}
}

// Snapshot returns the tracker state as seen at now. Timestamps ahead of now
// (after a backwards clock jump) are clamped to now.
func (t *ActivityTracker) Snapshot(now time.Time) ActivitySnapshot {
	return ActivitySnapshot{
		LastPointerOrKey: earlier(t.lastPointerOrKey, now),
		LastScroll:       earlier(t.lastScroll, now),
		LastClick:        earlier(t.lastClick, now),
		LastCodeMutation: earlier(t.lastCodeMutation, now),
		Now:              now,
	}
}

func later(prev, at time.Time) time.Time {
	if at.Before(prev) {
		return prev
	}
	return at
}

func earlier(ts, now time.Time) time.Time {
	if ts.After(now) {
		return now
	}
	return ts
}
