// Package activity encodes which calendar days a tracked user was active on
// into a single 64-bit value.
//
// Bit Offset(created, d) is set when the user was active on day d. Offsets
// recur every 64 days, so a stored map is only meaningful for the trailing
// DaysInMonth window relative to its most recent write; every write and the
// correction sweep mask everything else away.
package activity

import (
	"database/sql/driver"
	"fmt"
	"math/bits"
	"time"
)

const (
	Width       = 64
	DaysInMonth = 30
	DaysInWeek  = 7
)

type Bitmap uint64

// Value stores the bit pattern as a signed BIGINT. The conversion is a
// reinterpretation, so a map with the top bit set is written as a negative
// number and reads back unchanged.
func (b Bitmap) Value() (driver.Value, error) {
	return int64(b), nil
}

func (b *Bitmap) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*b = 0
	case int64:
		*b = Bitmap(uint64(v))
	case int32:
		*b = Bitmap(uint64(int64(v)))
	case int:
		*b = Bitmap(uint64(int64(v)))
	case []byte:
		return b.scanString(string(v))
	case string:
		return b.scanString(v)
	default:
		return fmt.Errorf("cannot scan %T into Bitmap", value)
	}
	return nil
}

func (b *Bitmap) scanString(s string) error {
	var v int64
	if _, err := fmt.Sscan(s, &v); err != nil {
		return fmt.Errorf("scan bitmap %q: %w", s, err)
	}
	*b = Bitmap(uint64(v))
	return nil
}

func (Bitmap) GormDataType() string {
	return "bigint"
}

// Mask returns a value with the low n bits set.
func Mask(n int) uint64 {
	if n <= 0 {
		return 0
	}
	if n >= Width {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}

// RotateRight shifts v right by k, carrying the bits that fall off the low
// end back onto the high end. Negative k rotates left.
func RotateRight(v uint64, k int) uint64 {
	return bits.RotateLeft64(v, -mod(k, Width))
}

// ReverseBits reverses the order of the low n bits of v. Higher bits are
// discarded.
func ReverseBits(v uint64, n int) uint64 {
	if n <= 0 {
		return 0
	}
	if n >= Width {
		return bits.Reverse64(v)
	}
	return bits.Reverse64(v&Mask(n)) >> uint(Width-n)
}

func PopCount(v uint64) int {
	return bits.OnesCount64(v)
}

// TrailingWindow returns size one-bits ending just below bit offset, wrapping
// around the top of the word: bits offset-size .. offset-1 (mod 64).
func TrailingWindow(offset, size int) uint64 {
	return RotateRight(Mask(size), size-offset)
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from a to b; negative when b is
// before a.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// Offset is the bit position for date in a map anchored at created.
func Offset(created, date time.Time) int {
	return mod(DaysBetween(created, date), Width)
}

// Marks returns a map with one bit set per date.
func Marks(created time.Time, dates ...time.Time) Bitmap {
	var m uint64
	for _, d := range dates {
		m |= uint64(1) << uint(Offset(created, d))
	}
	return Bitmap(m)
}

// ValidMask keeps the DaysInMonth days ending today. It is anchored at
// tomorrow's offset so writes made late in the day still include today.
func ValidMask(created, now time.Time) Bitmap {
	tomorrow := Day(now).AddDate(0, 0, 1)
	return Bitmap(TrailingWindow(Offset(created, tomorrow), DaysInMonth))
}

// Apply ORs marks into b and drops every bit outside the live window.
func (b Bitmap) Apply(marks Bitmap, created, now time.Time) Bitmap {
	return (b | marks) & ValidMask(created, now)
}

// MonthWindow returns the trailing DaysInMonth days as a 30-bit value: bit 0
// is 29 days ago and bit 29 is today.
func (b Bitmap) MonthWindow(created, now time.Time) uint64 {
	shift := Offset(created, now) - (DaysInMonth - 1)
	return RotateRight(uint64(b), shift) & Mask(DaysInMonth)
}

// ReversedMonthWindow is MonthWindow with today moved to bit 0 and yesterday
// to bit 1.
func (b Bitmap) ReversedMonthWindow(created, now time.Time) uint64 {
	return ReverseBits(b.MonthWindow(created, now), DaysInMonth)
}

func (b Bitmap) MonthlyDaysActive(created, now time.Time) int {
	return PopCount(b.MonthWindow(created, now))
}

func (b Bitmap) WeeklyDaysActive(created, now time.Time) int {
	return PopCount(b.ReversedMonthWindow(created, now) & Mask(DaysInWeek))
}

// ActiveOn reports whether the bit for date is set. Only dates within the
// live window are meaningful.
func (b Bitmap) ActiveOn(created, date time.Time) bool {
	return uint64(b)&(uint64(1)<<uint(Offset(created, date))) != 0
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
