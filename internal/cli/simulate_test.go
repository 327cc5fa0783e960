package cli

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func simulateFile(t *testing.T, name string) *Result {
	t.Helper()
	script, err := LoadScript(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("LoadScript(%s): %v", name, err)
	}
	res, err := Simulate(script, stuck.DefaultConfig(), nil, quietLogger())
	if err != nil {
		t.Fatalf("Simulate(%s): %v", name, err)
	}
	return res
}

func TestSimulateSilentLearner(t *testing.T) {
	t.Parallel()
	res := simulateFile(t, "silent.yaml")

	if len(res.Offers) != 1 {
		t.Fatalf("got %d offers, want 1: %+v", len(res.Offers), res.Offers)
	}
	o := res.Offers[0]
	if o.Offset != 2*time.Minute || o.Event.Trigger != stuck.TriggerStuckDetection {
		t.Fatalf("offer = %s at %s, want stuck_detection at 2m", o.Event.Trigger, o.Offset)
	}
	if o.Event.Context.URL != "https://leetcode.com/problems/two-sum/" {
		t.Errorf("context url = %q", o.Event.Context.URL)
	}
	if res.State != stuck.StateCooldown.String() {
		t.Errorf("final state = %s, want cooldown", res.State)
	}
}

func TestSimulateRepeatedFailures(t *testing.T) {
	t.Parallel()
	res := simulateFile(t, "failing.yaml")

	if len(res.Offers) != 1 {
		t.Fatalf("got %d offers, want 1: %+v", len(res.Offers), res.Offers)
	}
	if o := res.Offers[0]; o.Offset != 50*time.Second || o.Event.Trigger != stuck.TriggerTestFailed {
		t.Fatalf("offer = %s at %s, want test_failed at 50s", o.Event.Trigger, o.Offset)
	}
	if res.Counters.Errors != 5 {
		t.Errorf("error ticks = %d, want 5", res.Counters.Errors)
	}
}

func TestSimulateSolvedSuppressesOffers(t *testing.T) {
	t.Parallel()
	res := simulateFile(t, "solved.yaml")

	if len(res.Offers) != 1 {
		t.Fatalf("got %d events, want only the solution suggestion: %+v", len(res.Offers), res.Offers)
	}
	if ev := res.Offers[0].Event; ev.Kind != stuck.EventSolutionSuggestion || ev.Trigger != stuck.TriggerTestPassed {
		t.Fatalf("event = %s/%s, want solution suggestion", ev.Kind, ev.Trigger)
	}
}

func TestSimulateAppliesScriptPreferences(t *testing.T) {
	t.Parallel()
	script, err := ParseScript([]byte(`
preferences: {auto_assist_enabled: false}
until: 10m
steps:
  - {at: 0s, action: start}
`))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	res, err := Simulate(script, stuck.DefaultConfig(), nil, quietLogger())
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if len(res.Offers) != 0 {
		t.Fatalf("auto-assist disabled but got %d offers", len(res.Offers))
	}
}

func TestParseScriptSortsSteps(t *testing.T) {
	t.Parallel()
	script, err := ParseScript([]byte(`
steps:
  - {at: 20s, action: activity, kind: scroll}
  - {at: 0s, action: start}
`))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if script.Steps[0].Action != "start" {
		t.Fatalf("first step = %s, want start", script.Steps[0].Action)
	}
	end, err := script.end()
	if err != nil || end != 20*time.Second+defaultTail {
		t.Fatalf("end = %s, %v; want last step plus the default tail", end, err)
	}
}

func TestParseScriptErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"no steps", "name: empty\n", "no steps"},
		{"bad offset", "steps:\n  - {at: soon, action: start}\n", "invalid offset"},
		{"unknown action", "steps:\n  - {at: 0s, action: dance}\n", "unknown action"},
		{"bad activity", "steps:\n  - {at: 0s, action: activity, kind: blink}\n", "unknown activity kind"},
		{"bad outcome", "steps:\n  - {at: 0s, action: test_result, outcome: maybe}\n", "unknown test outcome"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript([]byte(tt.script))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	script, err := ParseScript([]byte("until: 5s\nsteps:\n  - {at: 10s, action: start}\n"))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if _, err := Simulate(script, stuck.DefaultConfig(), nil, quietLogger()); err == nil {
		t.Fatal("Simulate accepted until before the last step")
	}
}
