package user

import (
	"time"

	"github.com/eleven-am/engagement-backend/internal/activity"
	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/shared"
)

// Columns that decay back out of the monthly window.
const (
	FieldMonthlyVisits  = "monthly_visits"
	FieldMonthlyScreens = "monthly_screens"
	FieldMonthlyTaps    = "monthly_taps"
	FieldMonthlySeconds = "monthly_seconds"
)

var MonthlyFields = []string{
	FieldMonthlyVisits,
	FieldMonthlyScreens,
	FieldMonthlyTaps,
	FieldMonthlySeconds,
}

// TrackedUser is an end user of a customer app. Rows are never deleted; a
// user merged into another keeps its row with zeroed counters.
type TrackedUser struct {
	ID               uint64    `gorm:"primaryKey" json:"id"`
	AppID            uint64    `gorm:"not null;index" json:"app_id"`
	CreateTime       time.Time `gorm:"not null" json:"create_time"`
	LastAccessedTime time.Time `gorm:"index" json:"last_accessed_time"`

	UniqueID string `gorm:"index" json:"unique_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`

	Visits  int64 `gorm:"not null;default:0" json:"visits"`
	Screens int64 `gorm:"not null;default:0" json:"screens"`
	Taps    int64 `gorm:"not null;default:0" json:"taps"`
	Seconds int64 `gorm:"not null;default:0" json:"seconds"`

	MonthlyVisits     int64 `gorm:"not null;default:0" json:"monthly_visits"`
	MonthlyScreens    int64 `gorm:"not null;default:0" json:"monthly_screens"`
	MonthlyTaps       int64 `gorm:"not null;default:0" json:"monthly_taps"`
	MonthlySeconds    int64 `gorm:"not null;default:0" json:"monthly_seconds"`
	MonthlyDaysActive int   `gorm:"not null;default:0" json:"monthly_days_active"`

	DaysActiveMap activity.Bitmap    `gorm:"not null;default:0" json:"-"`
	Labels        shared.StringSlice `gorm:"type:json" json:"labels"`
}

func (TrackedUser) TableName() string {
	return "tracked_users"
}

func (u *TrackedUser) Anonymous() bool {
	return u.UniqueID == "" && u.Email == "" && u.Name == ""
}

func (u *TrackedUser) LabelSet() cohort.Set {
	return cohort.NewSet(u.Labels...)
}

func (u *TrackedUser) SetLabels(s cohort.Set) {
	u.Labels = shared.StringSlice(s.Sorted())
}

func (u *TrackedUser) WeeklyDaysActive(now time.Time) int {
	return u.DaysActiveMap.WeeklyDaysActive(u.CreateTime, now)
}

func (u *TrackedUser) Metrics(now time.Time) cohort.Metrics {
	return cohort.Metrics{
		WeeklyDaysActive:  u.WeeklyDaysActive(now),
		MonthlyDaysActive: u.MonthlyDaysActive,
		MonthlyVisits:     u.MonthlyVisits,
		MonthlySeconds:    u.MonthlySeconds,
	}
}

// MarkDays records activity on dates and re-derives the monthly day count.
func (u *TrackedUser) MarkDays(now time.Time, dates ...time.Time) {
	marks := activity.Marks(u.CreateTime, dates...)
	u.DaysActiveMap = u.DaysActiveMap.Apply(marks, u.CreateTime, now)
	u.MonthlyDaysActive = u.DaysActiveMap.MonthlyDaysActive(u.CreateTime, now)
}

// CorrectWindow drops days that fell out of the trailing window. It reports
// whether the stored map or the monthly day count changed.
func (u *TrackedUser) CorrectWindow(now time.Time) bool {
	corrected := u.DaysActiveMap & activity.ValidMask(u.CreateTime, now)
	days := corrected.MonthlyDaysActive(u.CreateTime, now)
	if corrected == u.DaysActiveMap && days == u.MonthlyDaysActive {
		return false
	}
	u.DaysActiveMap = corrected
	u.MonthlyDaysActive = days
	return true
}

// Counters are the additive activity totals of a user or session.
type Counters struct {
	Visits  int64
	Screens int64
	Taps    int64
	Seconds int64
}

func (c Counters) Zero() bool {
	return c == Counters{}
}

// Add increments both lifetime and monthly totals.
func (u *TrackedUser) Add(c Counters) {
	u.Visits += c.Visits
	u.Screens += c.Screens
	u.Taps += c.Taps
	u.Seconds += c.Seconds
	u.MonthlyVisits += c.Visits
	u.MonthlyScreens += c.Screens
	u.MonthlyTaps += c.Taps
	u.MonthlySeconds += c.Seconds
}

// ActiveDates lists the days of the trailing window u was active on,
// oldest first.
func (u *TrackedUser) ActiveDates(now time.Time) []time.Time {
	var dates []time.Time
	today := activity.Day(now)
	for back := activity.DaysInMonth - 1; back >= 0; back-- {
		d := today.AddDate(0, 0, -back)
		if u.DaysActiveMap.ActiveOn(u.CreateTime, d) {
			dates = append(dates, d)
		}
	}
	return dates
}

// Absorb moves every counter of other onto u and zeroes other. Active days of
// other are re-anchored onto u's map and cleared from other's.
func (u *TrackedUser) Absorb(other *TrackedUser, now time.Time) {
	u.MarkDays(now, other.ActiveDates(now)...)

	u.Visits += other.Visits
	u.Screens += other.Screens
	u.Taps += other.Taps
	u.Seconds += other.Seconds
	u.MonthlyVisits += other.MonthlyVisits
	u.MonthlyScreens += other.MonthlyScreens
	u.MonthlyTaps += other.MonthlyTaps
	u.MonthlySeconds += other.MonthlySeconds

	other.Visits, other.Screens, other.Taps, other.Seconds = 0, 0, 0, 0
	other.MonthlyVisits, other.MonthlyScreens, other.MonthlyTaps, other.MonthlySeconds = 0, 0, 0, 0
	other.DaysActiveMap, other.MonthlyDaysActive = 0, 0
}
