package stuck

import "time"

// Thresholds are the tick counts at which each counter becomes evidence of
// being stuck.
type Thresholds struct {
	CodeStagnation     int `json:"codeStagnation"`
	ActivityStagnation int `json:"activityStagnation"`
	Errors             int `json:"errors"`
}

// DefaultThresholds returns roughly 3 minutes without code edits, 2 minutes
// without scrolling, or 5 failed runs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CodeStagnation:     6,
		ActivityStagnation: 4,
		Errors:             5,
	}
}

// Normalize replaces non-positive thresholds with their defaults.
func (t Thresholds) Normalize() Thresholds {
	def := DefaultThresholds()
	if t.CodeStagnation <= 0 {
		t.CodeStagnation = def.CodeStagnation
	}
	if t.ActivityStagnation <= 0 {
		t.ActivityStagnation = def.ActivityStagnation
	}
	if t.Errors <= 0 {
		t.Errors = def.Errors
	}
	return t
}

// Config holds the engine's timing and threshold configuration.
type Config struct {
	Thresholds Thresholds

	// InactivityWindow is the length of one counted idle window.
	InactivityWindow time.Duration
	// PollInterval is the stuck-poll period.
	PollInterval time.Duration
	// TestResultInterval is how often the result area text is scanned.
	TestResultInterval time.Duration
	// DOMFastInterval is the DOM analysis period after a stuck verdict.
	DOMFastInterval time.Duration
	// DOMSlowInterval is the DOM analysis period otherwise.
	DOMSlowInterval time.Duration
	// MaxUnresolvedOffers holds back proactive offers once this many have
	// fired without a code edit in between. Zero disables the cap.
	MaxUnresolvedOffers int
	// OracleTimeout bounds a single oracle call.
	OracleTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:          DefaultThresholds(),
		InactivityWindow:    30 * time.Second,
		PollInterval:        5 * time.Second,
		TestResultInterval:  5 * time.Second,
		DOMFastInterval:     60 * time.Second,
		DOMSlowInterval:     120 * time.Second,
		MaxUnresolvedOffers: 3,
		OracleTimeout:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	c.Thresholds = c.Thresholds.Normalize()
	if c.InactivityWindow <= 0 {
		c.InactivityWindow = def.InactivityWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.TestResultInterval <= 0 {
		c.TestResultInterval = def.TestResultInterval
	}
	if c.DOMFastInterval <= 0 {
		c.DOMFastInterval = def.DOMFastInterval
	}
	if c.DOMSlowInterval <= 0 {
		c.DOMSlowInterval = def.DOMSlowInterval
	}
	if c.MaxUnresolvedOffers < 0 {
		c.MaxUnresolvedOffers = 0
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = def.OracleTimeout
	}
	return c
}

const (
	// MinDelaySeconds is the smallest accepted assistance delay.
	MinDelaySeconds = 5
	// MaxDelaySeconds is the largest accepted assistance delay.
	MaxDelaySeconds = 300
	// DefaultDelaySeconds is the assistance delay used when none is set.
	DefaultDelaySeconds = 30
)

// Preferences are the user-configurable assistance settings.
type Preferences struct {
	AssistanceDelaySeconds int  `json:"assistanceDelaySeconds"`
	AutoAssistEnabled      bool `json:"autoAssistEnabled"`
	AutoActivate           bool `json:"autoActivate"`
}

// DefaultPreferences returns a 30s delay with auto-assist and auto-activate on.
func DefaultPreferences() Preferences {
	return Preferences{
		AssistanceDelaySeconds: DefaultDelaySeconds,
		AutoAssistEnabled:      true,
		AutoActivate:           true,
	}
}

// Normalize clamps the delay into [MinDelaySeconds, MaxDelaySeconds].
func (p Preferences) Normalize() Preferences {
	p.AssistanceDelaySeconds = ClampDelaySeconds(p.AssistanceDelaySeconds)
	return p
}

// Delay returns the clamped assistance delay.
func (p Preferences) Delay() time.Duration {
	return time.Duration(ClampDelaySeconds(p.AssistanceDelaySeconds)) * time.Second
}

// ClampDelaySeconds clamps s into the valid delay range.
func ClampDelaySeconds(s int) int {
	if s < MinDelaySeconds {
		return MinDelaySeconds
	}
	if s > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return s
}
