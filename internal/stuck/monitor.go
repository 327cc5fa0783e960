package stuck

import (
	"context"
	"errors"
	"time"
)

// ErrMonitorClosed is returned by Do once the monitor's Run loop has exited.
var ErrMonitorClosed = errors.New("monitor closed")

const monitorInboxSize = 64

// Monitor runs a Scheduler on its own goroutine against the wall clock (or
// whatever Clock the scheduler was given). Every interaction with the
// scheduler goes through Do, so the scheduler never sees concurrent calls.
type Monitor struct {
	sched *Scheduler
	inbox chan func()
	done  chan struct{}
}

// NewMonitor creates a monitor. Oracle calls run on their own goroutines and
// their answers are posted back to the monitor loop.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		inbox: make(chan func(), monitorInboxSize),
		done:  make(chan struct{}),
	}
	opts = append(opts, withExecutor(func(fn func()) { go fn() }, m.post))
	m.sched = NewScheduler(cfg, opts...)
	return m
}

// Run owns the scheduler until ctx is cancelled. The scheduler is stopped
// on exit so no offer can fire afterwards.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)
	m.sched.ctx = ctx

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if at, ok := m.sched.NextDeadline(); ok {
			if d := at.Sub(m.sched.clock.Now()); d > 0 {
				timer.Reset(d)
			} else {
				timer.Reset(0)
			}
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			m.sched.Stop()
			return nil
		case fn := <-m.inbox:
			fn()
		case <-timer.C:
			m.sched.RunDue(m.sched.clock.Now())
		}
	}
}

// Do runs fn on the monitor goroutine and waits for it to finish.
func (m *Monitor) Do(ctx context.Context, fn func(*Scheduler)) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn(m.sched)
	}
	select {
	case m.inbox <- task:
	case <-m.done:
		return ErrMonitorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		// The loop may have drained the task before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrMonitorClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (m *Monitor) Done() <-chan struct{} { return m.done }

func (m *Monitor) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.done:
	}
}
