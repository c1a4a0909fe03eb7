package supervisor

import (
	"time"
)

// intensityWindow is a sliding-window restart budget: at most max
// occurrences within the trailing window. Not safe for concurrent use;
// callers hold the supervisor lock.
type intensityWindow struct {
	max    int
	window time.Duration
	times  []time.Time
}

func newIntensityWindow(max int, window time.Duration) *intensityWindow {
	return &intensityWindow{max: max, window: window}
}

// Add records an occurrence, expires entries older than the window, and
// reports whether the budget still holds.
func (iw *intensityWindow) Add(now time.Time) bool {
	cutoff := now.Add(-iw.window)
	kept := iw.times[:0]
	for _, t := range iw.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	iw.times = append(kept, now)
	return len(iw.times) <= iw.max
}

// Count returns the number of occurrences inside the current window.
func (iw *intensityWindow) Count() int {
	return len(iw.times)
}
