// Package cohort computes a tracked user's engagement labels from their
// windowed activity metrics. Everything here is pure; callers own locking and
// persistence.
package cohort

// Metrics are the windowed inputs to classification.
type Metrics struct {
	WeeklyDaysActive  int
	MonthlyDaysActive int
	MonthlyVisits     int64
	MonthlySeconds    int64
}

const (
	moreThanOnceADayVisits = 29 * 3

	hourSeconds           = 60 * 60
	fifteenMinutesSeconds = 60 * 15
	fiveMinutesSeconds    = 60 * 5
	oneMinuteSeconds      = 60
	thirtySeconds         = 30
)

// Classify returns the full label set for m. previous must be the labels the
// user held before this evaluation; it decides whether a user who only
// qualifies for almost is also fringe (sliding down from super rather than
// climbing up).
func Classify(m Metrics, t Thresholds, previous Set) Set {
	labels := make(Set)

	if m.MonthlyDaysActive > 0 {
		labels.Add(MonthlyActive)
	} else {
		labels.Add(MonthlyInactive)
	}
	if m.WeeklyDaysActive >= 1 {
		labels.Add(WeeklyActive)
	} else {
		labels.Add(WeeklyInactive)
	}

	for _, l := range FrequencyLabels(m) {
		labels.Add(l)
	}
	for _, l := range TimeUsedLabels(m) {
		labels.Add(l)
	}

	switch {
	case labels.Contains(t.superSet()):
		labels.Add(Super)
	case labels.Contains(t.almostSet()):
		labels.Add(Almost)
		if previous.Has(Super) || previous.Has(Fringe) {
			labels.Add(Fringe)
		}
	}

	return labels
}

func FrequencyLabels(m Metrics) []Frequency {
	var out []Frequency
	weekly, monthly := m.WeeklyDaysActive, m.MonthlyDaysActive

	if weekly == 7 || monthly >= 28 {
		if m.MonthlyVisits > moreThanOnceADayVisits {
			out = append(out, MoreThanOnceADay)
		}
		out = append(out, OnceADay)
	}
	if weekly >= 5 || monthly >= 20 {
		out = append(out, FiveDaysAWeek)
	}
	if weekly >= 3 || monthly >= 12 {
		out = append(out, ThreeDaysAWeek)
	}
	if weekly >= 1 || monthly >= 4 {
		out = append(out, OnceAWeek)
	}
	if monthly >= 2 {
		out = append(out, TwiceAMonth)
	}
	return out
}

func TimeUsedLabels(m Metrics) []TimeUsed {
	var out []TimeUsed
	perDay := SecondsPerDay(m)

	if perDay > hourSeconds {
		out = append(out, HourPerDay)
	}
	if perDay > fifteenMinutesSeconds {
		out = append(out, FifteenMinutesPerDay)
	}
	if perDay > fiveMinutesSeconds {
		out = append(out, FiveMinutesPerDay)
	}
	if perDay > oneMinuteSeconds {
		out = append(out, OneMinutePerDay)
	}
	if perDay > thirtySeconds {
		out = append(out, ThirtySecondsPerDay)
	}
	return out
}

// SecondsPerDay averages monthly seconds over active days, treating a user
// with no active days as active on one.
func SecondsPerDay(m Metrics) float64 {
	days := m.MonthlyDaysActive
	if days < 1 {
		days = 1
	}
	return float64(m.MonthlySeconds) / float64(days)
}
