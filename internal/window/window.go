package window

import (
	"fmt"
	"time"
)

const (
	DefaultMaxWindow   = 30 * 24 * time.Hour
	DefaultMaxLookback = 365 * 24 * time.Hour
)

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Width() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// StartFrom picks where a sync pass begins. With stored data it resumes at the
// newest trade time, inclusive, so fills sharing that instant are re-fetched and
// dropped by dedup. An empty store looks back maxLookback from now.
func StartFrom(latest time.Time, ok bool, now time.Time, maxLookback time.Duration) time.Time {
	if !ok {
		return now.Add(-maxLookback)
	}
	return latest
}

// Planner yields contiguous windows covering [start, end), each at most maxWindow wide.
// It holds no state beyond its cursor; a new pass builds a new planner.
type Planner struct {
	cursor    time.Time
	end       time.Time
	maxWindow time.Duration
}

func NewPlanner(start, end time.Time, maxWindow time.Duration) *Planner {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}
	return &Planner{cursor: start, end: end, maxWindow: maxWindow}
}

func (p *Planner) Next() (Window, bool) {
	if !p.cursor.Before(p.end) {
		return Window{}, false
	}
	next := p.cursor.Add(p.maxWindow)
	if next.After(p.end) {
		next = p.end
	}
	w := Window{Start: p.cursor, End: next}
	p.cursor = next
	return w, true
}

// All drains the planner.
func (p *Planner) All() []Window {
	var out []Window
	for {
		w, ok := p.Next()
		if !ok {
			return out
		}
		out = append(out, w)
	}
}
