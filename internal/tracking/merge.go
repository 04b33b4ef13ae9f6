package tracking

import (
	"slices"
	"time"
)

// Interval is a closed time range. Taps are zero-length intervals.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (e Events) Intervals() []Interval {
	out := make([]Interval, 0, len(e.Screens)+len(e.Taps))
	for _, s := range e.Screens {
		out = append(out, Interval{Start: s.Start, End: s.End})
	}
	for _, t := range e.Taps {
		out = append(out, Interval{Start: t.Time, End: t.Time})
	}
	return out
}

// MergeWindows folds intervals into the fewest disjoint windows such that
// consecutive windows are more than gap apart. The input is not modified.
func MergeWindows(intervals []Interval, gap time.Duration) []Interval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := slices.Clone(intervals)
	slices.SortFunc(sorted, func(a, b Interval) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return a.End.Compare(b.End)
	})

	windows := []Interval{sorted[0]}
	for _, next := range sorted[1:] {
		current := &windows[len(windows)-1]
		if next.Start.After(current.End.Add(gap)) {
			windows = append(windows, next)
			continue
		}
		// Sorted by start, so a later interval may still end earlier.
		if next.End.After(current.End) {
			current.End = next.End
		}
	}
	return windows
}
