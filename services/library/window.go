package library

import (
	"fmt"
	"strings"
	"time"
)

// Window is a time range of the user's liked tracks, keyed by added date
type Window string

const (
	PastYear     Window = "PAST_YEAR"
	PastTwoYears Window = "PAST_TWO_YEARS"
	AllTime      Window = "ALL_TIME"
)

// Windows lists every window from narrowest to widest
var Windows = []Window{PastYear, PastTwoYears, AllTime}

// prefetchOrder lists the windows loaded in the background after a window,
// adjacent ranges first
var prefetchOrder = map[Window][]Window{
	PastYear:     {PastTwoYears, AllTime},
	PastTwoYears: {AllTime, PastYear},
	AllTime:      {PastTwoYears, PastYear},
}

// ParseWindow accepts a window name in any case. Empty input means PastYear.
func ParseWindow(s string) (Window, error) {
	if s == "" {
		return PastYear, nil
	}
	w := Window(strings.ToUpper(strings.TrimSpace(s)))
	if !w.Valid() {
		return "", fmt.Errorf("unknown window %q", s)
	}
	return w, nil
}

// Valid reports whether w is a known window
func (w Window) Valid() bool {
	_, ok := prefetchOrder[w]
	return ok
}

// Cutoff returns the oldest added-at time included in w. AllTime has no
// cutoff and returns the zero time.
func (w Window) Cutoff(now time.Time) time.Time {
	switch w {
	case PastYear:
		return now.AddDate(-1, 0, 0)
	case PastTwoYears:
		return now.AddDate(-2, 0, 0)
	default:
		return time.Time{}
	}
}

// PrefetchOrder returns the windows to load in the background after w
func (w Window) PrefetchOrder() []Window {
	return prefetchOrder[w]
}
