package stuck

// Evidence is the output of one collector round. Only the strong signals
// (CodeStagnant, ActivityStagnant, RepeatedErrors) feed the verdict;
// IncompleteCode is advisory.
type Evidence struct {
	Inactive         bool `json:"inactive"`
	CodeStagnant     bool `json:"codeStagnant"`
	ActivityStagnant bool `json:"activityStagnant"`
	RepeatedErrors   bool `json:"repeatedErrors"`
	IncompleteCode   bool `json:"incompleteCode"`
}

// Stuck reports whether any strong signal is present.
func (e Evidence) Stuck() bool {
	return e.CodeStagnant || e.ActivityStagnant || e.RepeatedErrors
}

// InactivityCollector reports whether the user has been idle for at least
// one full inactivity window.
func InactivityCollector(snap ActivitySnapshot, cfg Config) bool {
	return snap.IdleFor() >= cfg.InactivityWindow
}

// CodeStagnationCollector reports too many idle windows without a code edit.
func CodeStagnationCollector(c StuckCounters, t Thresholds) bool {
	return c.NoCodeChange >= t.CodeStagnation
}

// ActivityStagnationCollector reports too many idle windows without scrolling.
func ActivityStagnationCollector(c StuckCounters, t Thresholds) bool {
	return c.NoScroll >= t.ActivityStagnation
}

// RepeatedErrorCollector reports too many failed runs since the last edit.
func RepeatedErrorCollector(c StuckCounters, t Thresholds) bool {
	return c.Errors >= t.Errors
}

// SyntaxHeuristicCollector reports code that is obviously unfinished. A nil
// snapshot means the editor could not be read and yields no evidence.
func SyntaxHeuristicCollector(code *CodeSnapshot) bool {
	if code == nil {
		return false
	}
	return LooksIncomplete(code.Code, code.Language)
}

// Collect runs every collector against one snapshot.
func Collect(snap ActivitySnapshot, c StuckCounters, cfg Config, code *CodeSnapshot) Evidence {
	return Evidence{
		Inactive:         InactivityCollector(snap, cfg),
		CodeStagnant:     CodeStagnationCollector(c, cfg.Thresholds),
		ActivityStagnant: ActivityStagnationCollector(c, cfg.Thresholds),
		RepeatedErrors:   RepeatedErrorCollector(c, cfg.Thresholds),
		IncompleteCode:   SyntaxHeuristicCollector(code),
	}
}
