package stuck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

type harness struct {
	t      *testing.T
	sched  *Scheduler
	clock  *FakeClock
	events []Event
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, clock: NewFakeClock(epoch)}
	base := []Option{
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSink(func(ev Event) { h.events = append(h.events, ev) }),
	}
	h.sched = NewScheduler(cfg, append(base, opts...)...)
	return h
}

// advanceTo moves the clock to epoch+offset and fires everything due.
func (h *harness) advanceTo(offset time.Duration) {
	h.clock.Set(epoch.Add(offset))
	h.sched.RunDue(h.clock.Now())
}

func (h *harness) offers() []Event {
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == EventAssistanceOffered {
			out = append(out, ev)
		}
	}
	return out
}

type stubOracle struct {
	needs bool
	err   error
	calls int
	last  Context
}

func (o *stubOracle) Assess(_ context.Context, c Context) (bool, error) {
	o.calls++
	o.last = c
	return o.needs, o.err
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.advanceTo(10 * time.Second)
	h.sched.Start()

	at, ok := h.sched.timers.due(timerOffer)
	if !ok || !at.Equal(epoch.Add(30*time.Second)) {
		t.Errorf("offer timer due %v (%v), want the original +30s", at, ok)
	}
	if h.sched.State() != StateMonitoring {
		t.Errorf("state = %v, want monitoring", h.sched.State())
	}
}

func TestSchedulerStopTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.sched.Stop()
	h.sched.Stop()

	if h.sched.State() != StateIdle {
		t.Errorf("state = %v, want idle", h.sched.State())
	}
	if _, ok := h.sched.NextDeadline(); ok {
		t.Error("timers still armed after stop")
	}
	h.advanceTo(time.Hour)
	if len(h.events) != 0 {
		t.Errorf("stopped monitor emitted %d events", len(h.events))
	}
}

func TestSchedulerStuckPollFiresOnce(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{CodeStagnation: 6, ActivityStagnation: 100, Errors: 5}
	h := newHarness(t, cfg, WithPreferences(Preferences{AssistanceDelaySeconds: 300, AutoAssistEnabled: true}))
	h.sched.Start()

	h.advanceTo(175 * time.Second)
	if got := h.sched.Counters().NoCodeChange; got != 5 {
		t.Fatalf("noCodeChangeTicks after 175s = %d, want 5", got)
	}
	if len(h.offers()) != 0 {
		t.Fatalf("offer fired before threshold: %+v", h.offers())
	}

	h.advanceTo(180 * time.Second)
	offers := h.offers()
	if len(offers) != 1 {
		t.Fatalf("got %d offers at 180s, want 1", len(offers))
	}
	if offers[0].Trigger != TriggerStuckDetection || offers[0].Source != SourceLocal {
		t.Errorf("offer = %s/%s, want stuck_detection/local", offers[0].Trigger, offers[0].Source)
	}
	if got := offers[0].Context.StuckMetrics["noCodeChangeTicks"]; got != 6 {
		t.Errorf("context noCodeChangeTicks = %d, want 6", got)
	}
	if !h.sched.IsStuck() {
		t.Error("IsStuck should still hold")
	}

	h.advanceTo(185 * time.Second)
	h.advanceTo(479 * time.Second)
	if len(h.offers()) != 1 {
		t.Fatalf("cooldown let %d offers through", len(h.offers()))
	}

	h.advanceTo(480 * time.Second)
	offers = h.offers()
	if len(offers) != 2 {
		t.Fatalf("got %d offers after a full delay period, want 2", len(offers))
	}
	if offers[1].Trigger != TriggerTimer {
		t.Errorf("second offer trigger = %s, want timer_based", offers[1].Trigger)
	}
}

func TestSchedulerSilenceProducesOneOfferBeforeCooldownEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()

	// No activity at all: noScrollTicks reaches 4 at 120s.
	h.advanceTo(119 * time.Second)
	if len(h.offers()) != 0 {
		t.Fatalf("offer before stuck: %+v", h.offers())
	}
	h.advanceTo(120 * time.Second)
	if len(h.offers()) != 1 {
		t.Fatalf("got %d offers at 120s, want 1", len(h.offers()))
	}
	if h.offers()[0].Trigger != TriggerStuckDetection {
		t.Errorf("trigger = %s, want stuck_detection", h.offers()[0].Trigger)
	}
	if h.sched.State() != StateCooldown {
		t.Errorf("state = %v, want cooldown", h.sched.State())
	}

	h.advanceTo(149 * time.Second)
	if len(h.offers()) != 1 {
		t.Fatalf("got %d offers during cooldown, want 1", len(h.offers()))
	}
}

func TestSchedulerCodeMutationResetsCounters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.advanceTo(95 * time.Second)
	h.sched.TestResult(OutcomeFailed, "Wrong Answer")
	h.sched.TestResult(OutcomeFailed, "Wrong Answer")

	before := h.sched.Counters()
	if before.NoCodeChange != 3 || before.Errors != 2 {
		t.Fatalf("counters before edit = %+v", before)
	}

	h.sched.RecordActivity(ActivityCodeMutation)
	after := h.sched.Counters()
	if after.NoCodeChange != 0 || after.Errors != 0 {
		t.Errorf("counters after edit = %+v, want code and error ticks zeroed", after)
	}
	if after.NoScroll != 0 || after.NoClick != 0 {
		t.Errorf("counters after edit = %+v, want activity stagnation cleared", after)
	}
}

func TestSchedulerActivityRestartsIdleStretch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.advanceTo(65 * time.Second)
	if got := h.sched.Counters().NoCodeChange; got != 2 {
		t.Fatalf("noCodeChangeTicks = %d, want 2", got)
	}

	h.sched.RecordActivity(ActivityKey)
	h.advanceTo(90 * time.Second)
	if got := h.sched.Counters().NoCodeChange; got != 2 {
		t.Errorf("ticks grew during a fresh idle stretch: %d", got)
	}
	h.advanceTo(95 * time.Second)
	if got := h.sched.Counters().NoCodeChange; got != 3 {
		t.Errorf("noCodeChangeTicks = %d, want 3 after one more full window", got)
	}
}

func TestSchedulerActiveCodingEndsStagnation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.advanceTo(2 * time.Minute)
	if len(h.offers()) != 1 {
		t.Fatalf("got %d offers after two idle minutes, want 1", len(h.offers()))
	}

	for at, i := 125*time.Second, 0; at <= 10*time.Minute; at, i = at+5*time.Second, i+1 {
		h.advanceTo(at)
		h.sched.RecordActivity(ActivityKey)
		h.sched.UpdateCode(fmt.Sprintf("def f():\n    return %d\n", i), "python")
		if h.sched.IsStuck() {
			t.Fatalf("stuck at %s while typing: %+v", at, h.sched.Counters())
		}
	}

	if got := len(h.offers()); got != 1 {
		for _, ev := range h.offers() {
			t.Logf("offer %s %s", ev.At.Sub(epoch), ev.Trigger)
		}
		t.Fatalf("got %d offers while the user kept editing, want 1", got)
	}
}

func TestSchedulerRepeatedFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()

	for i := 1; i <= 5; i++ {
		h.advanceTo(time.Duration(i) * time.Second)
		h.sched.TestResult(OutcomeFailed, "Wrong Answer")
	}

	if got := h.sched.Counters().Errors; got != 5 {
		t.Errorf("errorTicks = %d, want 5", got)
	}
	offers := h.offers()
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	if offers[0].Trigger != TriggerTestFailed {
		t.Errorf("trigger = %s, want test_failed", offers[0].Trigger)
	}
}

func TestSchedulerScansResultText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()

	h.sched.ObserveResultText("Wrong Answer\n3 / 10 testcases passed")
	h.advanceTo(5 * time.Second)
	if got := h.sched.Counters().Errors; got != 1 {
		t.Fatalf("errorTicks = %d, want 1", got)
	}

	h.advanceTo(10 * time.Second)
	if got := h.sched.Counters().Errors; got != 1 {
		t.Errorf("unchanged result text counted again: %d", got)
	}

	h.sched.ObserveResultText("Time Limit Exceeded")
	h.advanceTo(15 * time.Second)
	if got := h.sched.Counters().Errors; got != 2 {
		t.Errorf("errorTicks = %d, want 2", got)
	}
}

func TestSchedulerOracleTimeoutFallsBackToLocal(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{err: context.DeadlineExceeded}
	h := newHarness(t, DefaultConfig(), WithOracle(oracle))
	h.sched.Start()

	h.advanceTo(30 * time.Second)
	if oracle.calls != 1 {
		t.Fatalf("oracle calls = %d, want 1", oracle.calls)
	}
	if len(h.events) != 0 {
		t.Errorf("oracle failure with a negative local verdict emitted %+v", h.events)
	}
	if h.sched.State() != StateMonitoring {
		t.Errorf("state = %v, want monitoring", h.sched.State())
	}
}

func TestSchedulerOracleCanJustifyOffer(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{needs: true}
	h := newHarness(t, DefaultConfig(), WithOracle(oracle))
	h.sched.Start()
	h.sched.UpdatePage("https://leetcode.com/problems/two-sum/", json.RawMessage(`{"title":"Two Sum"}`))

	h.advanceTo(30 * time.Second)
	offers := h.offers()
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	if offers[0].Trigger != TriggerTimer || offers[0].Source != SourceRemote {
		t.Errorf("offer = %s/%s, want timer_based/remote", offers[0].Trigger, offers[0].Source)
	}
	if oracle.last.URL != "https://leetcode.com/problems/two-sum/" {
		t.Errorf("oracle saw url %q", oracle.last.URL)
	}
	if string(oracle.last.ProblemData) != `{"title":"Two Sum"}` {
		t.Errorf("problem data not passed through: %s", oracle.last.ProblemData)
	}
}

func TestSchedulerOracleAgreesWithLocal(t *testing.T) {
	t.Parallel()

	oracle := &stubOracle{needs: true}
	h := newHarness(t, DefaultConfig(), WithOracle(oracle), WithPreferences(Preferences{AssistanceDelaySeconds: 300, AutoAssistEnabled: true}))
	h.sched.Start()

	// The stuck poll offers at 120s and pushes the offer timer to 420s.
	h.advanceTo(120 * time.Second)
	h.advanceTo(420 * time.Second)
	offers := h.offers()
	if len(offers) != 2 {
		t.Fatalf("got %d offers, want 2", len(offers))
	}
	if offers[1].Trigger != TriggerTimer || offers[1].Source != SourceBoth {
		t.Errorf("second offer = %s/%s, want timer_based/both", offers[1].Trigger, offers[1].Source)
	}
}

func TestSchedulerDropsStaleOracleAnswer(t *testing.T) {
	t.Parallel()

	var pending []func()
	oracle := &stubOracle{needs: true}
	h := newHarness(t, DefaultConfig(),
		WithOracle(oracle),
		withExecutor(func(fn func()) { pending = append(pending, fn) }, func(fn func()) { fn() }),
	)
	h.sched.Start()
	h.advanceTo(30 * time.Second)
	if len(pending) != 1 {
		t.Fatalf("pending oracle calls = %d, want 1", len(pending))
	}

	h.sched.RecordActivity(ActivityCodeMutation)
	pending[0]()
	if len(h.events) != 0 {
		t.Errorf("answer computed before a code edit still produced %+v", h.events)
	}
}

func TestSchedulerStoppedMonitorIgnoresLateOracleAnswer(t *testing.T) {
	t.Parallel()

	var pending []func()
	oracle := &stubOracle{needs: true}
	h := newHarness(t, DefaultConfig(),
		WithOracle(oracle),
		withExecutor(func(fn func()) { pending = append(pending, fn) }, func(fn func()) { fn() }),
	)
	h.sched.Start()
	h.advanceTo(30 * time.Second)
	h.sched.Stop()
	for _, fn := range pending {
		fn()
	}
	if len(h.events) != 0 {
		t.Errorf("stopped monitor emitted %+v", h.events)
	}
}

func TestSchedulerDelayChangeRestartsOfferTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.advanceTo(35 * time.Second)
	before := h.sched.Counters()

	h.sched.SetPreferences(Preferences{AssistanceDelaySeconds: 10, AutoAssistEnabled: true, AutoActivate: true})

	at, ok := h.sched.timers.due(timerOffer)
	if !ok {
		t.Fatal("offer timer not armed")
	}
	if wait := at.Sub(h.clock.Now()); wait > 10*time.Second {
		t.Errorf("next offer check in %v, want within 10s", wait)
	}
	if h.sched.Counters() != before {
		t.Errorf("counters changed from %+v to %+v", before, h.sched.Counters())
	}
}

func TestSchedulerDelayIsClamped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), WithPreferences(Preferences{AssistanceDelaySeconds: 1, AutoAssistEnabled: true}))
	h.sched.Start()
	at, _ := h.sched.timers.due(timerOffer)
	if want := epoch.Add(MinDelaySeconds * time.Second); !at.Equal(want) {
		t.Errorf("offer due %v, want %v", at, want)
	}
}

func TestSchedulerHiddenPageKeepsCounters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.advanceTo(120 * time.Second)
	if len(h.offers()) != 1 {
		t.Fatalf("got %d offers, want 1", len(h.offers()))
	}

	h.advanceTo(125 * time.Second)
	h.sched.SetVisibility(true)
	before := h.sched.Counters()
	if h.sched.State() != StatePaused {
		t.Fatalf("state = %v, want paused", h.sched.State())
	}
	if h.sched.timers.armed(timerOffer) || h.sched.timers.armed(timerStuckPoll) {
		t.Error("offer or stuck timer still armed while paused")
	}
	if !h.sched.timers.armed(timerTestResult) {
		t.Error("test-result timer should keep running while paused")
	}

	h.advanceTo(300 * time.Second)
	if len(h.offers()) != 1 {
		t.Errorf("paused monitor offered again")
	}

	h.sched.SetVisibility(false)
	if got := h.sched.Counters(); got != before {
		t.Errorf("counters after resume = %+v, want %+v", got, before)
	}
	at, ok := h.sched.timers.due(timerOffer)
	if !ok || !at.Equal(epoch.Add(330*time.Second)) {
		t.Errorf("offer due %v (%v), want a full period after resume", at, ok)
	}

	h.advanceTo(330 * time.Second)
	if len(h.offers()) != 2 {
		t.Errorf("got %d offers after resume, want 2", len(h.offers()))
	}
}

func TestSchedulerPassedTestSuppressesOffers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.sched.UpdateCode("return nums", "python")
	h.sched.TestResult(OutcomePassed, "Accepted")

	if len(h.events) != 1 || h.events[0].Kind != EventSolutionSuggestion {
		t.Fatalf("events = %+v, want one solution suggestion", h.events)
	}
	if h.events[0].Trigger != TriggerTestPassed {
		t.Errorf("trigger = %s, want test_passed", h.events[0].Trigger)
	}
	if code := h.events[0].Context.UserCode; code == nil || !code.IsWorking {
		t.Errorf("user code not marked working: %+v", code)
	}

	h.advanceTo(10 * time.Minute)
	if len(h.offers()) != 0 {
		t.Errorf("solved attempt still got %d offers", len(h.offers()))
	}

	h.sched.ResetAttempt()
	h.advanceTo(20 * time.Minute)
	if len(h.offers()) == 0 {
		t.Error("new attempt never got an offer")
	}
}

func TestSchedulerAutoAssistDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), WithPreferences(Preferences{AssistanceDelaySeconds: 30}))
	h.sched.Start()
	h.advanceTo(time.Hour)
	if len(h.events) != 0 {
		t.Errorf("auto-assist off still emitted %d events", len(h.events))
	}
}

func TestSchedulerAutoOpenFollowsPreference(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), WithPreferences(Preferences{AssistanceDelaySeconds: 30, AutoAssistEnabled: true, AutoActivate: false}))
	h.sched.Start()
	h.advanceTo(120 * time.Second)
	if len(h.offers()) != 1 {
		t.Fatalf("got %d offers, want 1", len(h.offers()))
	}
	if h.offers()[0].AutoOpen {
		t.Error("offer asked to auto-open with autoActivate off")
	}
}

func TestSchedulerEscalationCap(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxUnresolvedOffers = 2
	h := newHarness(t, cfg, WithPreferences(Preferences{AssistanceDelaySeconds: 5, AutoAssistEnabled: true}))
	h.sched.Start()

	h.advanceTo(30 * time.Minute)
	if got := len(h.offers()); got != 2 {
		t.Fatalf("got %d offers without any edit, want 2", got)
	}
	if got := h.sched.Counters().Escalations; got != 2 {
		t.Errorf("escalations = %d, want 2", got)
	}
	if got := h.sched.Counters().Errors; got != 0 {
		t.Errorf("offers leaked into errorTicks: %d", got)
	}

	h.sched.RecordActivity(ActivityCodeMutation)
	h.advanceTo(60 * time.Minute)
	if got := len(h.offers()); got <= 2 {
		t.Errorf("a code edit did not lift the cap, offers = %d", got)
	}
}

func TestSchedulerDismissResetsEvidence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.advanceTo(120 * time.Second)
	if len(h.offers()) != 1 {
		t.Fatalf("got %d offers, want 1", len(h.offers()))
	}

	h.sched.Dismiss()
	c := h.sched.Counters()
	if c.NoCodeChange != 0 || c.NoScroll != 0 || c.NoClick != 0 || c.Errors != 0 {
		t.Errorf("counters after dismiss = %+v", c)
	}
	if c.Escalations != 1 {
		t.Errorf("escalations = %d, want 1", c.Escalations)
	}
	if h.sched.State() != StateCooldown {
		t.Errorf("dismiss changed state to %v", h.sched.State())
	}

	// A fresh idle stretch has to build up again from the dismissal.
	h.advanceTo(235 * time.Second)
	if len(h.offers()) != 1 {
		t.Errorf("got %d offers right after dismiss, want 1", len(h.offers()))
	}
	h.advanceTo(240 * time.Second)
	if len(h.offers()) != 2 {
		t.Errorf("got %d offers after a new stuck stretch, want 2", len(h.offers()))
	}
}

func TestSchedulerDOMAnalysisBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), WithPreferences(Preferences{AssistanceDelaySeconds: 300, AutoAssistEnabled: true}))
	h.sched.Start()

	h.advanceTo(60 * time.Second)
	at, _ := h.sched.timers.due(timerDOMAnalysis)
	if !at.Equal(epoch.Add(180 * time.Second)) {
		t.Errorf("after a negative check DOM analysis due %v, want +180s", at)
	}

	h.advanceTo(180 * time.Second)
	at, _ = h.sched.timers.due(timerDOMAnalysis)
	if !at.Equal(epoch.Add(240 * time.Second)) {
		t.Errorf("after a positive check DOM analysis due %v, want +240s", at)
	}
}

func TestSchedulerUpdateCodeDetectsEdits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.sched.UpdateCode("def f():\n    pass\n", "python")
	h.advanceTo(65 * time.Second)

	h.sched.UpdateCode("def f():\n    pass\n\n", "python")
	if got := h.sched.Counters().NoCodeChange; got != 2 {
		t.Errorf("whitespace edit reset noCodeChangeTicks to %d", got)
	}

	h.sched.UpdateCode("def f():\n    return 1\n", "python")
	if got := h.sched.Counters().NoCodeChange; got != 0 {
		t.Errorf("real edit left noCodeChangeTicks = %d", got)
	}
}

func TestSchedulerNavigationStartsNewAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	h.sched.UpdatePage("https://leetcode.com/problems/two-sum/", nil)
	h.sched.TestResult(OutcomePassed, "Accepted")

	h.sched.UpdatePage("https://leetcode.com/problems/3sum/", nil)
	h.advanceTo(120 * time.Second)
	if len(h.offers()) != 1 {
		t.Errorf("got %d offers on the new problem, want 1", len(h.offers()))
	}
}

func TestSchedulerSignalSourceUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.sched.Start()
	ev := h.sched.Evidence()
	if ev.IncompleteCode {
		t.Error("missing editor must yield no syntax evidence")
	}
	if h.sched.IsStuck() {
		t.Error("fresh monitor reported stuck")
	}
}
