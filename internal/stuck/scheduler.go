package stuck

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// State is the scheduler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StatePaused
	StateCooldown
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMonitoring:
		return "monitoring"
	case StatePaused:
		return "paused"
	case StateCooldown:
		return "cooldown_after_offer"
	default:
		return "unknown"
	}
}

// Oracle is the advisory remote check. Failures never block the local path.
type Oracle interface {
	Assess(ctx context.Context, c Context) (needsAssistance bool, err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithOracle sets the advisory oracle. A nil oracle disables remote checks.
func WithOracle(o Oracle) Option {
	return func(s *Scheduler) { s.oracle = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSink sets the callback that receives every emitted event. It runs on
// the scheduler's goroutine and must not block.
func WithSink(fn func(Event)) Option {
	return func(s *Scheduler) { s.sink = fn }
}

// WithPreferences sets the initial preferences.
func WithPreferences(p Preferences) Option {
	return func(s *Scheduler) { s.prefs = p.Normalize() }
}

// withExecutor replaces how oracle calls are started and how their results
// are handed back. The defaults run both inline.
func withExecutor(spawn, post func(func())) Option {
	return func(s *Scheduler) {
		s.spawn = spawn
		s.post = post
	}
}

type pageInfo struct {
	url     string
	problem json.RawMessage
}

// Scheduler is the assistance state machine. It owns the activity tracker,
// the stuck counters and the timer queue of one page session.
//
// A Scheduler is not safe for concurrent use: every method must be called
// from the same goroutine. Monitor provides that goroutine for live use;
// tests drive a Scheduler directly with a FakeClock and RunDue.
type Scheduler struct {
	cfg    Config
	prefs  Preferences
	clock  Clock
	oracle Oracle
	logger *slog.Logger
	sink   func(Event)
	spawn  func(func())
	post   func(func())
	ctx    context.Context

	running bool
	paused  bool
	cooling bool
	solved  bool

	timers   *timerQueue
	tracker  *ActivityTracker
	counters StuckCounters

	// idleFloor moves the start of the current idle stretch forward without
	// counting as user activity (resume, dismiss).
	idleFloor    time.Time
	stretchStart time.Time
	idleWindows  int
	domStuck     bool

	startedAt   time.Time
	page        pageInfo
	code        *CodeSnapshot
	lastOutcome TestOutcome

	resultText    string
	resultScanned string

	// generation invalidates in-flight oracle answers when an offer fires or
	// the monitor stops, pauses or sees a code edit.
	generation     uint64
	oracleInFlight bool

	// firing is the scheduled time of the timer being dispatched.
	firing time.Time
}

// NewScheduler creates an idle scheduler.
func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		prefs:  DefaultPreferences(),
		clock:  RealClock(),
		logger: slog.Default(),
		spawn:  func(fn func()) { fn() },
		post:   func(fn func()) { fn() },
		ctx:    context.Background(),
		timers: newTimerQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = NewActivityTracker(s.clock.Now())
	return s
}

func (s *Scheduler) now() time.Time {
	if !s.firing.IsZero() {
		return s.firing
	}
	return s.clock.Now()
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	switch {
	case !s.running:
		return StateIdle
	case s.paused:
		return StatePaused
	case s.cooling:
		return StateCooldown
	default:
		return StateMonitoring
	}
}

// Counters returns a copy of the stuck counters.
func (s *Scheduler) Counters() StuckCounters { return s.counters }

// Preferences returns the active preferences.
func (s *Scheduler) Preferences() Preferences { return s.prefs }

// Config returns the active engine configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Snapshot returns the activity snapshot at the current time.
func (s *Scheduler) Snapshot() ActivitySnapshot { return s.tracker.Snapshot(s.now()) }

// Evidence runs every collector against the current state.
func (s *Scheduler) Evidence() Evidence {
	return Collect(s.Snapshot(), s.counters, s.cfg, s.code)
}

// IsStuck evaluates the current counters against the thresholds.
func (s *Scheduler) IsStuck() bool { return s.cfg.Thresholds.IsStuck(s.counters) }

// NextDeadline returns when the next timer is due.
func (s *Scheduler) NextDeadline() (time.Time, bool) { return s.timers.next() }

// Start begins monitoring. Calling Start while already monitoring is a no-op.
func (s *Scheduler) Start() {
	if s.running {
		s.logger.Debug("[MONITOR] Start ignored, already monitoring")
		return
	}
	now := s.now()
	s.running = true
	s.paused = false
	s.cooling = false
	s.solved = false
	s.counters = StuckCounters{}
	s.tracker.Reset(now)
	s.idleFloor = now
	s.stretchStart = now
	s.idleWindows = 0
	s.domStuck = false
	s.startedAt = now
	s.lastOutcome = OutcomeNone
	s.resultScanned = s.resultText
	s.generation++
	s.oracleInFlight = false

	s.timers.schedule(timerOffer, now.Add(s.prefs.Delay()))
	s.timers.schedule(timerStuckPoll, now.Add(s.cfg.PollInterval))
	s.timers.schedule(timerDOMAnalysis, now.Add(s.cfg.DOMFastInterval))
	s.timers.schedule(timerTestResult, now.Add(s.cfg.TestResultInterval))

	s.logger.Info("[MONITOR] Monitoring started",
		"delay_seconds", s.prefs.AssistanceDelaySeconds,
		"auto_assist", s.prefs.AutoAssistEnabled,
	)
}

// Stop cancels every timer and returns to Idle. Stopping twice is harmless.
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.paused = false
	s.cooling = false
	s.timers.clear()
	s.generation++
	s.oracleInFlight = false
	s.logger.Info("[MONITOR] Monitoring stopped")
}

// Pause suspends the offer and stuck-poll timers. Activity is still recorded.
func (s *Scheduler) Pause() {
	if !s.running || s.paused {
		return
	}
	s.paused = true
	s.timers.cancel(timerOffer)
	s.timers.cancel(timerStuckPoll)
	s.generation++
	s.oracleInFlight = false
	s.logger.Info("[MONITOR] Monitoring paused", "counters", s.counters)
}

// Resume restarts the offer and stuck-poll timers with full periods. The
// counters are kept; time spent hidden does not count as idle.
func (s *Scheduler) Resume() {
	if !s.running || !s.paused {
		return
	}
	now := s.now()
	s.paused = false
	s.idleFloor = now
	s.timers.schedule(timerOffer, now.Add(s.prefs.Delay()))
	s.timers.schedule(timerStuckPoll, now.Add(s.cfg.PollInterval))
	s.logger.Info("[MONITOR] Monitoring resumed", "counters", s.counters)
}

// SetVisibility pauses when the page is hidden and resumes when it is shown.
func (s *Scheduler) SetVisibility(hidden bool) {
	if hidden {
		s.Pause()
		return
	}
	s.Resume()
}

// RecordActivity stores a user interaction and resets the counters it makes
// stale.
func (s *Scheduler) RecordActivity(kind ActivityKind) {
	s.tracker.Record(kind, s.now())
	s.counters.observe(kind)
	if kind == ActivityCodeMutation {
		s.generation++
		s.oracleInFlight = false
	}
}

// UpdateCode stores the latest editor content. A change in anything other
// than whitespace counts as a code mutation. The first snapshot only sets
// the baseline.
func (s *Scheduler) UpdateCode(code, language string) {
	prev := s.code
	s.code = &CodeSnapshot{
		Code:      code,
		Language:  language,
		IsWorking: s.lastOutcome == OutcomePassed,
	}
	if prev == nil {
		return
	}
	if delta := codeDelta(prev.Code, code); delta > 0 {
		s.code.IsWorking = false
		s.RecordActivity(ActivityCodeMutation)
	}
}

// UpdatePage stores the page URL and the opaque problem data. Navigating to
// a different URL starts a new problem attempt.
func (s *Scheduler) UpdatePage(url string, problem json.RawMessage) {
	if s.page.url != "" && url != s.page.url {
		s.code = nil
		s.ResetAttempt()
	}
	s.page = pageInfo{url: url, problem: problem}
}

// ObserveResultText stores the run-result area text for the next scan.
func (s *Scheduler) ObserveResultText(text string) {
	s.resultText = text
}

// TestResult applies an explicit run outcome.
func (s *Scheduler) TestResult(outcome TestOutcome, rawText string) {
	s.handleOutcome(outcome, rawText)
}

// Dismiss records that the user waved an offer away. Counters are reset so
// the next verdict needs fresh evidence; state is unchanged.
func (s *Scheduler) Dismiss() {
	s.counters.NoCodeChange = 0
	s.counters.NoScroll = 0
	s.counters.NoClick = 0
	s.counters.Errors = 0
	s.idleFloor = s.now()
	s.generation++
	s.oracleInFlight = false
	s.logger.Info("[MONITOR] Offer dismissed")
}

// ResetAttempt clears per-attempt state, including the passed-test
// suppression.
func (s *Scheduler) ResetAttempt() {
	s.solved = false
	s.counters = StuckCounters{}
	s.lastOutcome = OutcomeNone
	s.idleFloor = s.now()
	s.resultScanned = s.resultText
	s.logger.Info("[MONITOR] New problem attempt")
}

// SetPreferences applies new preferences. A changed delay restarts the offer
// timer with the new period; counters are untouched.
func (s *Scheduler) SetPreferences(p Preferences) {
	p = p.Normalize()
	old := s.prefs
	s.prefs = p
	if !s.running || s.paused || old.AssistanceDelaySeconds == p.AssistanceDelaySeconds {
		return
	}
	s.timers.schedule(timerOffer, s.now().Add(p.Delay()))
	s.logger.Info("[MONITOR] Assistance delay changed",
		"old_seconds", old.AssistanceDelaySeconds,
		"new_seconds", p.AssistanceDelaySeconds,
	)
}

// SetThresholds replaces the stuck thresholds.
func (s *Scheduler) SetThresholds(t Thresholds) {
	s.cfg.Thresholds = t.Normalize()
}

// RunDue fires every timer due at or before now, in order. Each callback
// sees its own scheduled time as the current time.
func (s *Scheduler) RunDue(now time.Time) {
	for {
		e, ok := s.timers.popDue(now)
		if !ok {
			break
		}
		s.firing = e.at
		s.fire(e.kind)
	}
	s.firing = time.Time{}
}

func (s *Scheduler) fire(kind timerKind) {
	switch kind {
	case timerStuckPoll:
		s.onStuckPoll()
	case timerTestResult:
		s.onTestResultScan()
	case timerDOMAnalysis:
		s.onDOMAnalysis()
	case timerOffer:
		s.onOfferTimer()
	}
}

// accumulate adds one idle window to the stagnation counters for every full
// inactivity window elapsed in the current idle stretch.
func (s *Scheduler) accumulate(now time.Time) {
	snap := s.tracker.Snapshot(now)
	start := later(snap.LastPointerOrKey, s.idleFloor)
	if !start.Equal(s.stretchStart) {
		s.stretchStart = start
		s.idleWindows = 0
	}
	due := int(now.Sub(start) / s.cfg.InactivityWindow)
	for s.idleWindows < due {
		s.counters.addIdleWindow()
		s.idleWindows++
	}
}

func (s *Scheduler) onStuckPoll() {
	now := s.now()
	s.timers.schedule(timerStuckPoll, now.Add(s.cfg.PollInterval))
	s.accumulate(now)
	s.logger.Debug("[MONITOR] Stuck poll", "counters", s.counters)
	if s.IsStuck() {
		s.offer(TriggerStuckDetection, SourceLocal)
	}
}

func (s *Scheduler) onTestResultScan() {
	s.timers.schedule(timerTestResult, s.now().Add(s.cfg.TestResultInterval))
	text := s.resultText
	if text == s.resultScanned {
		return
	}
	s.resultScanned = text
	outcome, marker := ClassifyResult(text)
	if outcome == OutcomeNone {
		return
	}
	s.logger.Debug("[MONITOR] Result area changed", "outcome", outcome.String(), "marker", marker)
	s.handleOutcome(outcome, text)
}

func (s *Scheduler) onDOMAnalysis() {
	now := s.now()
	ev := s.Evidence()
	s.domStuck = ev.Stuck()
	next := s.cfg.DOMSlowInterval
	if s.domStuck {
		next = s.cfg.DOMFastInterval
	}
	s.timers.schedule(timerDOMAnalysis, now.Add(next))
	s.logger.Debug("[MONITOR] DOM analysis",
		"stuck", s.domStuck,
		"incomplete_code", ev.IncompleteCode,
		"next_in", next,
	)
	if s.domStuck {
		s.offer(TriggerDOMAnalysis, SourceLocal)
	}
}

func (s *Scheduler) onOfferTimer() {
	now := s.now()
	s.timers.schedule(timerOffer, now.Add(s.prefs.Delay()))
	if s.cooling {
		s.cooling = false
		s.logger.Debug("[MONITOR] Cooldown ended")
	}

	local := s.IsStuck()
	if s.oracle == nil || s.oracleInFlight || !s.canOffer() {
		if local {
			s.offer(TriggerTimer, SourceLocal)
		}
		return
	}

	gen := s.generation
	oracle := s.oracle
	timeout := s.cfg.OracleTimeout
	parent := s.ctx
	c := s.buildContext(now)
	s.oracleInFlight = true
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		needs, err := oracle.Assess(ctx, c)
		cancel()
		s.post(func() { s.onOracleResult(gen, needs, err) })
	})
}

func (s *Scheduler) onOracleResult(gen uint64, needs bool, err error) {
	if gen != s.generation || !s.running {
		s.logger.Debug("[MONITOR] Dropping stale oracle answer")
		return
	}
	s.oracleInFlight = false

	remote := false
	if err != nil {
		s.logger.Warn("[MONITOR] Oracle unavailable, using local verdict", "error", err)
	} else {
		remote = needs
	}
	source := MergeVerdicts(s.IsStuck(), remote)
	if source == SourceNone {
		return
	}
	s.offer(TriggerTimer, source)
}

func (s *Scheduler) handleOutcome(outcome TestOutcome, rawText string) {
	if !s.running {
		return
	}
	switch outcome {
	case OutcomeFailed:
		s.lastOutcome = outcome
		s.counters.Errors++
		if s.code != nil {
			s.code.IsWorking = false
		}
		s.logger.Info("[MONITOR] Test failed", "error_ticks", s.counters.Errors)
		if RepeatedErrorCollector(s.counters, s.cfg.Thresholds) {
			s.offer(TriggerTestFailed, SourceLocal)
		}
	case OutcomePassed:
		s.lastOutcome = outcome
		if s.code != nil {
			s.code.IsWorking = true
		}
		alreadySolved := s.solved
		s.solved = true
		s.logger.Info("[MONITOR] Test passed, holding back proactive offers")
		if !alreadySolved && s.prefs.AutoAssistEnabled {
			s.emit(Event{
				ID:       uuid.NewString(),
				Kind:     EventSolutionSuggestion,
				Trigger:  TriggerTestPassed,
				AutoOpen: s.prefs.AutoActivate,
				Context:  s.buildContext(s.now()),
				At:       s.now(),
			})
		}
	default:
		s.logger.Debug("[MONITOR] Ignoring unclassified result", "text_len", len(rawText))
	}
}

// canOffer reports whether an offer could be emitted right now, ignoring
// the verdict.
func (s *Scheduler) canOffer() bool {
	return s.running &&
		!s.paused &&
		!s.cooling &&
		!s.solved &&
		s.prefs.AutoAssistEnabled &&
		(s.cfg.MaxUnresolvedOffers == 0 || s.counters.Escalations < s.cfg.MaxUnresolvedOffers)
}

// offer emits one assistance offer if nothing holds it back, then enters
// cooldown by restarting the offer timer.
func (s *Scheduler) offer(trigger Trigger, source VerdictSource) bool {
	if !s.canOffer() {
		s.logger.Debug("[MONITOR] Offer held back",
			"trigger", string(trigger),
			"state", s.State().String(),
			"solved", s.solved,
			"escalations", s.counters.Escalations,
		)
		return false
	}
	now := s.now()
	ev := Event{
		ID:       uuid.NewString(),
		Kind:     EventAssistanceOffered,
		Trigger:  trigger,
		Source:   source,
		AutoOpen: s.prefs.AutoActivate,
		Context:  s.buildContext(now),
		At:       now,
	}
	s.counters.Escalations++
	s.cooling = true
	s.generation++
	s.oracleInFlight = false
	s.timers.schedule(timerOffer, now.Add(s.prefs.Delay()))

	s.logger.Info("[MONITOR] Assistance offered",
		"trigger", string(trigger),
		"source", string(source),
		"counters", s.counters,
	)
	s.emit(ev)
	return true
}

func (s *Scheduler) emit(ev Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

func (s *Scheduler) buildContext(now time.Time) Context {
	var code *CodeSnapshot
	if s.code != nil {
		cp := *s.code
		code = &cp
	}
	var onPage int64
	if !s.startedAt.IsZero() {
		onPage = int64(now.Sub(s.startedAt) / time.Second)
	}
	return Context{
		URL:          s.page.url,
		ProblemData:  s.page.problem,
		UserCode:     code,
		StuckMetrics: s.counters.Metrics(),
		Evidence:     Collect(s.tracker.Snapshot(now), s.counters, s.cfg, s.code),
		TimeOnPage:   onPage,
		Timestamp:    now.UnixMilli(),
	}
}
