package stuck

import (
	"encoding/json"
	"time"
)

// Trigger names the path that produced an assistance offer.
type Trigger string

const (
	TriggerStuckDetection Trigger = "stuck_detection"
	TriggerTimer          Trigger = "timer_based"
	TriggerDOMAnalysis    Trigger = "dom_analysis"
	TriggerTestFailed     Trigger = "test_failed"
	TriggerTestPassed     Trigger = "test_passed"
)

// VerdictSource records which verdict justified an offer.
type VerdictSource string

const (
	SourceNone   VerdictSource = ""
	SourceLocal  VerdictSource = "local"
	SourceRemote VerdictSource = "remote"
	SourceBoth   VerdictSource = "both"
)

// MergeVerdicts combines the local and remote verdicts with a logical OR,
// keeping track of which side agreed.
func MergeVerdicts(local, remote bool) VerdictSource {
	switch {
	case local && remote:
		return SourceBoth
	case local:
		return SourceLocal
	case remote:
		return SourceRemote
	default:
		return SourceNone
	}
}

// EventKind distinguishes the outbound events.
type EventKind string

const (
	EventAssistanceOffered  EventKind = "assistance_offered"
	EventSolutionSuggestion EventKind = "solution_suggestion_offered"
)

// Event is emitted to the presentation layer.
type Event struct {
	ID       string        `json:"id"`
	Kind     EventKind     `json:"kind"`
	Trigger  Trigger       `json:"trigger"`
	Source   VerdictSource `json:"source,omitempty"`
	AutoOpen bool          `json:"autoOpen"`
	Context  Context       `json:"context"`
	At       time.Time     `json:"at"`
}

// CodeSnapshot is the user's current editor content.
type CodeSnapshot struct {
	Code      string `json:"code"`
	Language  string `json:"language,omitempty"`
	IsWorking bool   `json:"isWorking"`
}

// Context is the bundle handed to the oracle and the UI when an offer fires.
// ProblemData is opaque and passed through untouched.
type Context struct {
	URL          string          `json:"url"`
	ProblemData  json.RawMessage `json:"problemData,omitempty"`
	UserCode     *CodeSnapshot   `json:"userCode,omitempty"`
	StuckMetrics map[string]int  `json:"stuckMetrics"`
	Evidence     Evidence        `json:"evidence"`
	TimeOnPage   int64           `json:"timeOnPage"`
	Timestamp    int64           `json:"timestamp"`
}
