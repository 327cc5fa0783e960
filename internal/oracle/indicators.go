package oracle

import "github.com/ashureev/leetcoach/internal/stuck"

// LongVisitSeconds is the time on page after which the indicators report a
// need for assistance.
const LongVisitSeconds = 300

// Indicators applies the context rules the assistance backend uses when its
// model analysis is unavailable: code known not to work, a long visit, or
// any stuck metric above two.
func Indicators(c stuck.Context) bool {
	if c.UserCode != nil && c.UserCode.Code != "" && !c.UserCode.IsWorking {
		return true
	}
	if c.TimeOnPage > LongVisitSeconds {
		return true
	}
	for _, v := range c.StuckMetrics {
		if v > 2 {
			return true
		}
	}
	return false
}
