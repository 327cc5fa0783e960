package stuck

import (
	"fmt"
	"strings"
)

// TestOutcome is the classification of a run-result area.
type TestOutcome int

const (
	OutcomeNone TestOutcome = iota
	OutcomeFailed
	OutcomePassed
)

// String returns the wire name of the outcome.
func (o TestOutcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomePassed:
		return "passed"
	default:
		return "none"
	}
}

// ParseTestOutcome maps a wire name to a TestOutcome.
func ParseTestOutcome(s string) (TestOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "failed", "fail", "failure":
		return OutcomeFailed, nil
	case "passed", "pass", "success", "accepted":
		return OutcomePassed, nil
	default:
		return OutcomeNone, fmt.Errorf("unknown test outcome %q", s)
	}
}

// Pre-computed lowercase result markers. Failure markers win when both kinds
// appear in the same text.
var (
	failureMarkers = lowerAll(
		"Wrong Answer",
		"Time Limit Exceeded",
		"Runtime Error",
		"Memory Limit Exceeded",
		"Output Limit Exceeded",
		"Compile Error",
		"Compilation Error",
	)
	successMarkers = lowerAll(
		"Accepted",
		"All test cases passed",
		"You have passed all test cases",
	)
)

func lowerAll(markers ...string) []string {
	out := make([]string, len(markers))
	for i, m := range markers {
		out[i] = strings.ToLower(m)
	}
	return out
}

// ClassifyResult scans run-result text for failure or success markers and
// returns the outcome together with the marker that matched.
func ClassifyResult(text string) (TestOutcome, string) {
	lower := strings.ToLower(text)
	for _, m := range failureMarkers {
		if strings.Contains(lower, m) {
			return OutcomeFailed, m
		}
	}
	for _, m := range successMarkers {
		if strings.Contains(lower, m) {
			return OutcomePassed, m
		}
	}
	return OutcomeNone, ""
}
