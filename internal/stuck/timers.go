package stuck

import (
	"container/heap"
	"time"
)

// timerKind identifies one of the scheduler's periodic timers. The order of
// the constants is the tie-break order for timers due at the same instant:
// counters are updated before the offer timer looks at them.
type timerKind int

const (
	timerStuckPoll timerKind = iota
	timerTestResult
	timerDOMAnalysis
	timerOffer
)

func (k timerKind) String() string {
	switch k {
	case timerStuckPoll:
		return "stuck_poll"
	case timerTestResult:
		return "test_result"
	case timerDOMAnalysis:
		return "dom_analysis"
	case timerOffer:
		return "offer"
	default:
		return "unknown"
	}
}

type timerEntry struct {
	at    time.Time
	kind  timerKind
	seq   uint64
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	if h[i].kind != h[j].kind {
		return h[i].kind < h[j].kind
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerQueue is a priority queue of next-fire timestamps holding at most one
// pending entry per timer kind.
type timerQueue struct {
	heap    timerHeap
	pending map[timerKind]*timerEntry
	seq     uint64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{pending: make(map[timerKind]*timerEntry)}
}

// schedule arms kind to fire at at, replacing any pending entry of that kind.
func (q *timerQueue) schedule(kind timerKind, at time.Time) {
	q.cancel(kind)
	q.seq++
	e := &timerEntry{at: at, kind: kind, seq: q.seq}
	heap.Push(&q.heap, e)
	q.pending[kind] = e
}

func (q *timerQueue) cancel(kind timerKind) {
	e, ok := q.pending[kind]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.pending, kind)
}

func (q *timerQueue) clear() {
	q.heap = q.heap[:0]
	q.pending = make(map[timerKind]*timerEntry)
}

func (q *timerQueue) armed(kind timerKind) bool {
	_, ok := q.pending[kind]
	return ok
}

func (q *timerQueue) due(kind timerKind) (time.Time, bool) {
	e, ok := q.pending[kind]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// next returns the earliest pending fire time.
func (q *timerQueue) next() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].at, true
}

// popDue removes and returns the earliest entry due at or before now.
func (q *timerQueue) popDue(now time.Time) (*timerEntry, bool) {
	if len(q.heap) == 0 || q.heap[0].at.After(now) {
		return nil, false
	}
	e := heap.Pop(&q.heap).(*timerEntry)
	delete(q.pending, e.kind)
	return e, true
}
