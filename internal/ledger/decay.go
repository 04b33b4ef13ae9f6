package ledger

import (
	"context"
	"time"

	"github.com/eleven-am/engagement-backend/internal/activity"
	"github.com/eleven-am/engagement-backend/internal/shared"
	"gorm.io/gorm"
)

// DecayWindow is how long a day's increments count towards monthly totals.
const DecayWindow = activity.DaysInMonth * 24 * time.Hour

// DecayEntry undoes a day's monthly increments once it is due.
type DecayEntry struct {
	ID            uint64          `gorm:"primaryKey"`
	UserID        uint64          `gorm:"not null;index"`
	ScheduledTime time.Time       `gorm:"not null;index:idx_decay_due"`
	Deltas        shared.Int64Map `gorm:"type:json"`
}

func (DecayEntry) TableName() string {
	return "decay_log_entries"
}

type DecayLog struct {
	db *gorm.DB
}

func NewDecayLog(db *gorm.DB) *DecayLog {
	return &DecayLog{db: db}
}

func (l *DecayLog) Migrate() error {
	return l.db.AutoMigrate(&DecayEntry{})
}

func (l *DecayLog) WithTx(tx *gorm.DB) *DecayLog {
	return &DecayLog{db: tx}
}

// DueTime is when increments made at now for activity on date stop counting.
// The entry is stamped on the following day at now's time of day, spreading
// a day's decay over the day it expires.
func DueTime(date, now time.Time) time.Time {
	now = now.UTC()
	next := activity.Day(date).AddDate(0, 0, 1)
	stamp := time.Date(next.Year(), next.Month(), next.Day(),
		now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC)
	return stamp.Add(DecayWindow)
}

// Schedule records one entry per date. Dates whose deltas are all zero are
// skipped.
func (l *DecayLog) Schedule(ctx context.Context, userID uint64, byDate map[time.Time]map[string]int64, now time.Time) error {
	entries := make([]DecayEntry, 0, len(byDate))
	for date, deltas := range byDate {
		d := make(shared.Int64Map, len(deltas))
		for field, n := range deltas {
			if n != 0 {
				d[field] = n
			}
		}
		if len(d) == 0 {
			continue
		}
		entries = append(entries, DecayEntry{
			UserID:        userID,
			ScheduledTime: DueTime(date, now),
			Deltas:        d,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	return l.db.WithContext(ctx).Create(&entries).Error
}

// MoveUser hands a user's pending entries to another user.
func (l *DecayLog) MoveUser(ctx context.Context, fromUserID, toUserID uint64) error {
	return l.db.WithContext(ctx).
		Model(&DecayEntry{}).
		Where("user_id = ?", fromUserID).
		Update("user_id", toUserID).Error
}

func (l *DecayLog) Pending(ctx context.Context, userID uint64) ([]DecayEntry, error) {
	var entries []DecayEntry
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("scheduled_time, id").
		Find(&entries).Error
	return entries, err
}

func (l *DecayLog) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).
		Model(&DecayEntry{}).
		Where("scheduled_time < ?", now.UTC()).
		Count(&n).Error
	return n, err
}
