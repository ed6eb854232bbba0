package orchestrator

import (
	"strings"

	"github.com/vinayprograms/agentloop/model"
)

// Matches reports whether ev passes the subscription filter.
// A nil filter passes everything. min_priority passes events whose priority
// is at or above the threshold (numerically <=). topics passes events whose
// payload topics intersect the filter's, case-insensitively.
func Matches(f *model.Filter, ev *model.Event) bool {
	if f.Empty() {
		return true
	}
	if f.MinPriority != nil && ev.Priority > *f.MinPriority {
		return false
	}
	if wanted := f.NormalizedTopics(); len(wanted) > 0 {
		return intersects(wanted, ev.Payload.Topics())
	}
	return true
}

func intersects(wanted, have []string) bool {
	set := make(map[string]struct{}, len(wanted))
	for _, t := range wanted {
		set[t] = struct{}{}
	}
	for _, t := range have {
		if _, ok := set[strings.ToLower(strings.TrimSpace(t))]; ok {
			return true
		}
	}
	return false
}
