package stuck

// StuckCounters accumulate per-tick evidence. All fields are non-negative.
type StuckCounters struct {
	NoCodeChange int `json:"noCodeChangeTicks"`
	NoScroll     int `json:"noScrollTicks"`
	NoClick      int `json:"noClickTicks"`
	Errors       int `json:"errorTicks"`
	// Escalations counts offers emitted since the last code mutation. It is
	// kept apart from Errors so repeated offers never masquerade as failures.
	Escalations int `json:"escalations"`
}

// addIdleWindow applies one full inactivity window to the stagnation counters.
func (c *StuckCounters) addIdleWindow() {
	c.NoCodeChange++
	c.NoScroll++
	c.NoClick++
}

// observe resets the counters made stale by activity of kind. Every
// interaction ends activity stagnation; only a code mutation clears the
// code, error and escalation evidence.
func (c *StuckCounters) observe(kind ActivityKind) {
	c.NoScroll = 0
	c.NoClick = 0
	if kind == ActivityCodeMutation {
		c.NoCodeChange = 0
		c.Errors = 0
		c.Escalations = 0
	}
}

// Metrics returns the counters keyed the way the assistance backend expects.
func (c StuckCounters) Metrics() map[string]int {
	return map[string]int{
		"noCodeChangeTicks": c.NoCodeChange,
		"noScrollTicks":     c.NoScroll,
		"noClickTicks":      c.NoClick,
		"errorTicks":        c.Errors,
		"escalations":       c.Escalations,
	}
}
