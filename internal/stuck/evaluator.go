package stuck

// IsStuck is a plain OR across the independent thresholds: any single
// strong signal is enough.
func (t Thresholds) IsStuck(c StuckCounters) bool {
	return CodeStagnationCollector(c, t) ||
		ActivityStagnationCollector(c, t) ||
		RepeatedErrorCollector(c, t)
}
