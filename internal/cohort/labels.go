package cohort

import "sort"

type Label = string

const (
	Super  Label = "super"
	Almost Label = "almost"
	Fringe Label = "fringe"

	MonthlyActive   Label = "active-1m"
	WeeklyActive    Label = "active-1w"
	MonthlyInactive Label = "inactive-1m"
	WeeklyInactive  Label = "inactive-1w"
)

type Frequency = string

const (
	MoreThanOnceADay Frequency = "Mvpd"
	OnceADay         Frequency = "1vpd"
	FiveDaysAWeek    Frequency = "5vpw"
	ThreeDaysAWeek   Frequency = "3vpw"
	OnceAWeek        Frequency = "1vpw"
	TwiceAMonth      Frequency = "2vpm"
)

type TimeUsed = string

const (
	HourPerDay           TimeUsed = "1hpd"
	FifteenMinutesPerDay TimeUsed = "15mpd"
	FiveMinutesPerDay    TimeUsed = "5mpd"
	OneMinutePerDay      TimeUsed = "1mpd"
	ThirtySecondsPerDay  TimeUsed = "30spd"
)

// FrequencyOrder and TimeUsedOrder list tiers from strongest to weakest.
var FrequencyOrder = []Frequency{
	MoreThanOnceADay,
	OnceADay,
	FiveDaysAWeek,
	ThreeDaysAWeek,
	OnceAWeek,
	TwiceAMonth,
}

var TimeUsedOrder = []TimeUsed{
	HourPerDay,
	FifteenMinutesPerDay,
	FiveMinutesPerDay,
	OneMinutePerDay,
	ThirtySecondsPerDay,
}

// Set is an unordered label set.
type Set map[Label]struct{}

func NewSet(labels ...Label) Set {
	s := make(Set, len(labels))
	for _, l := range labels {
		if l != "" {
			s[l] = struct{}{}
		}
	}
	return s
}

func (s Set) Add(l Label) {
	s[l] = struct{}{}
}

func (s Set) Has(l Label) bool {
	_, ok := s[l]
	return ok
}

// Contains reports whether every label of other is in s.
func (s Set) Contains(other Set) bool {
	for l := range other {
		if !s.Has(l) {
			return false
		}
	}
	return true
}

func (s Set) Equal(other Set) bool {
	return len(s) == len(other) && s.Contains(other)
}

// Sorted returns the labels in lexical order, the form stored on a user row.
func (s Set) Sorted() []Label {
	out := make([]Label, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// CompoundKey names the ledger counter for users holding both labels.
func CompoundKey(freq Frequency, timeUsed TimeUsed) string {
	return freq + "-" + timeUsed
}

// Public reduces a label set to what dashboards show: the tier labels and a
// single active or inactive marker.
func Public(s Set) []Label {
	out := make([]Label, 0, 4)
	for _, l := range []Label{Super, Almost, Fringe} {
		if s.Has(l) {
			out = append(out, l)
		}
	}
	if s.Has(MonthlyActive) {
		out = append(out, "active")
	} else {
		out = append(out, "inactive")
	}
	return out
}
