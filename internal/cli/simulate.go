package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
	"gopkg.in/yaml.v3"
)

// simulationEpoch is the fake wall-clock time at offset zero.
var simulationEpoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// defaultTail is how long the simulation keeps running after the last step
// when the script sets no end.
const defaultTail = time.Minute

// Script is a scripted page session.
type Script struct {
	Name        string             `yaml:"name"`
	Preferences *ScriptPreferences `yaml:"preferences"`
	// Until is the offset at which the simulation ends.
	Until string `yaml:"until"`
	Steps []Step `yaml:"steps"`
}

// ScriptPreferences are the preferences a script starts with.
type ScriptPreferences struct {
	AssistanceDelaySeconds *int  `yaml:"assistance_delay_seconds"`
	AutoAssistEnabled      *bool `yaml:"auto_assist_enabled"`
	AutoActivate           *bool `yaml:"auto_activate"`
}

func (p *ScriptPreferences) apply(base stuck.Preferences) stuck.Preferences {
	if p == nil {
		return base
	}
	if p.AssistanceDelaySeconds != nil {
		base.AssistanceDelaySeconds = *p.AssistanceDelaySeconds
	}
	if p.AutoAssistEnabled != nil {
		base.AutoAssistEnabled = *p.AutoAssistEnabled
	}
	if p.AutoActivate != nil {
		base.AutoActivate = *p.AutoActivate
	}
	return base.Normalize()
}

// Step is one inbound event at an offset from the start of the session.
type Step struct {
	At       string `yaml:"at"`
	Action   string `yaml:"action"`
	Kind     string `yaml:"kind,omitempty"`
	Code     string `yaml:"code,omitempty"`
	Language string `yaml:"language,omitempty"`
	URL      string `yaml:"url,omitempty"`
	Text     string `yaml:"text,omitempty"`
	Outcome  string `yaml:"outcome,omitempty"`
	Hidden   bool   `yaml:"hidden,omitempty"`

	Preferences *ScriptPreferences `yaml:"preferences,omitempty"`

	offset time.Duration
}

// Offer is an emitted event with its offset into the session.
type Offer struct {
	Offset time.Duration `json:"offset"`
	Event  stuck.Event   `json:"event"`
}

// Result is the outcome of a simulation.
type Result struct {
	Offers   []Offer             `json:"offers"`
	State    string              `json:"state"`
	Counters stuck.StuckCounters `json:"counters"`
	Duration time.Duration       `json:"duration"`
}

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, errors.New("script has no steps")
	}
	for i := range s.Steps {
		d, err := time.ParseDuration(s.Steps[i].At)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("step %d: invalid offset %q", i+1, s.Steps[i].At)
		}
		s.Steps[i].offset = d
		if err := s.Steps[i].validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	sort.SliceStable(s.Steps, func(i, j int) bool { return s.Steps[i].offset < s.Steps[j].offset })
	return &s, nil
}

func (st Step) validate() error {
	switch st.Action {
	case "start", "stop", "pause", "resume", "visibility", "dismiss", "new_attempt",
		"code", "page", "result_text", "preferences":
		return nil
	case "activity":
		_, err := stuck.ParseActivityKind(st.Kind)
		return err
	case "test_result":
		if st.Outcome == "" {
			return nil
		}
		_, err := stuck.ParseTestOutcome(st.Outcome)
		return err
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
}

func (s *Script) end() (time.Duration, error) {
	last := s.Steps[len(s.Steps)-1].offset
	if s.Until == "" {
		return last + defaultTail, nil
	}
	d, err := time.ParseDuration(s.Until)
	if err != nil {
		return 0, fmt.Errorf("invalid until %q: %w", s.Until, err)
	}
	if d < last {
		return 0, fmt.Errorf("until %s is before the last step at %s", d, last)
	}
	return d, nil
}

// Simulate replays the script against a scheduler on a fake clock. Oracle
// calls, when an oracle is given, run inline.
func Simulate(script *Script, cfg stuck.Config, oracle stuck.Oracle, logger *slog.Logger) (*Result, error) {
	end, err := script.end()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	clock := stuck.NewFakeClock(simulationEpoch)
	res := &Result{}
	opts := []stuck.Option{
		stuck.WithClock(clock),
		stuck.WithLogger(logger),
		stuck.WithPreferences(script.Preferences.apply(stuck.DefaultPreferences())),
		stuck.WithSink(func(ev stuck.Event) {
			res.Offers = append(res.Offers, Offer{Offset: ev.At.Sub(simulationEpoch), Event: ev})
		}),
	}
	if oracle != nil {
		opts = append(opts, stuck.WithOracle(oracle))
	}
	sched := stuck.NewScheduler(cfg, opts...)

	advance := func(offset time.Duration) {
		at := simulationEpoch.Add(offset)
		clock.Set(at)
		sched.RunDue(at)
	}

	for _, st := range script.Steps {
		advance(st.offset)
		applyStep(sched, st)
	}
	advance(end)

	res.State = sched.State().String()
	res.Counters = sched.Counters()
	res.Duration = end
	return res, nil
}

//nolint:gocyclo // One case per action mirrors the socket protocol.
func applyStep(s *stuck.Scheduler, st Step) {
	switch st.Action {
	case "start":
		s.Start()
	case "stop":
		s.Stop()
	case "pause":
		s.Pause()
	case "resume":
		s.Resume()
	case "visibility":
		s.SetVisibility(st.Hidden)
	case "dismiss":
		s.Dismiss()
	case "new_attempt":
		s.ResetAttempt()
	case "activity":
		if kind, err := stuck.ParseActivityKind(st.Kind); err == nil {
			s.RecordActivity(kind)
		}
	case "code":
		s.UpdateCode(st.Code, st.Language)
	case "page":
		s.UpdatePage(st.URL, nil)
	case "result_text":
		s.ObserveResultText(st.Text)
	case "test_result":
		outcome, _ := stuck.ClassifyResult(st.Text)
		if st.Outcome != "" {
			outcome, _ = stuck.ParseTestOutcome(st.Outcome)
		}
		s.TestResult(outcome, st.Text)
	case "preferences":
		s.SetPreferences(st.Preferences.apply(s.Preferences()))
	}
}
