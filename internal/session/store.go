package session

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/engagement-backend/internal/activity"
	"github.com/eleven-am/engagement-backend/internal/shared"
	"github.com/eleven-am/engagement-backend/internal/user"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Session{}, &Visit{})
}

func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.CreateTime.IsZero() {
		sess.CreateTime = time.Now().UTC()
	}
	if sess.LastAccessedTime.IsZero() {
		sess.LastAccessedTime = sess.CreateTime
	}
	return s.db.WithContext(ctx).Create(sess).Error
}

func (s *Store) GetByID(ctx context.Context, id uint64) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &sess, err
}

func (s *Store) Lock(ctx context.Context, id uint64) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &sess, err
}

// AddCounters increments the session totals in place.
func (s *Store) AddCounters(ctx context.Context, id uint64, c user.Counters, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_accessed_time": now.UTC(),
			"visits":             gorm.Expr("visits + ?", c.Visits),
			"screens":            gorm.Expr("screens + ?", c.Screens),
			"taps":               gorm.Expr("taps + ?", c.Taps),
			"seconds":            gorm.Expr("seconds + ?", c.Seconds),
		}).Error
}

func (s *Store) SetUser(ctx context.Context, id, userID uint64) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("user_id", userID).Error
}

// SaveAttributes overwrites the device snapshot and upgrade stamp.
func (s *Store) SaveAttributes(ctx context.Context, sess *Session) error {
	return s.db.WithContext(ctx).
		Model(sess).
		Select(
			"app_version", "app_build", "app_build_debug", "os", "os_version", "hardware",
			"screen_width", "screen_height", "screen_scale", "sdk_platform", "sdk_version",
			"last_upgrade_time",
		).
		Updates(sess).Error
}

// FindVisitNear returns the earliest visit of the session overlapping
// [start-gap, end+gap].
func (s *Store) FindVisitNear(ctx context.Context, sessionID uint64, start, end time.Time, gap time.Duration) (*Visit, error) {
	var v Visit
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND start_time <= ? AND end_time >= ?", sessionID, end.Add(gap).UTC(), start.Add(-gap).UTC()).
		Order("start_time, id").
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &v, err
}

func (s *Store) CreateVisit(ctx context.Context, v *Visit) error {
	v.StartTime, v.EndTime = v.StartTime.UTC(), v.EndTime.UTC()
	return s.db.WithContext(ctx).Create(v).Error
}

// ExtendVisit widens the stored bounds to cover [start, end] without ever
// narrowing them, and mirrors the result onto v.
func (s *Store) ExtendVisit(ctx context.Context, v *Visit, start, end time.Time) error {
	start, end = start.UTC(), end.UTC()
	err := s.db.WithContext(ctx).
		Model(&Visit{}).
		Where("id = ?", v.ID).
		Updates(map[string]any{
			"start_time": gorm.Expr("CASE WHEN start_time > ? THEN ? ELSE start_time END", start, start),
			"end_time":   gorm.Expr("CASE WHEN end_time < ? THEN ? ELSE end_time END", end, end),
		}).Error
	if err != nil {
		return err
	}
	if start.Before(v.StartTime) {
		v.StartTime = start
	}
	if end.After(v.EndTime) {
		v.EndTime = end
	}
	return nil
}

func (s *Store) AddVisitEvents(ctx context.Context, id uint64, screens, taps int64) error {
	if screens == 0 && taps == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&Visit{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"screens": gorm.Expr("screens + ?", screens),
			"taps":    gorm.Expr("taps + ?", taps),
		}).Error
}

func (s *Store) Visits(ctx context.Context, sessionID uint64) ([]Visit, error) {
	var visits []Visit
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("start_time, id").
		Find(&visits).Error
	return visits, err
}

// MoveVisits reassigns a user's visits to another user.
func (s *Store) MoveVisits(ctx context.Context, fromUserID, toUserID uint64) error {
	return s.db.WithContext(ctx).
		Model(&Visit{}).
		Where("user_id = ?", fromUserID).
		Update("user_id", toUserID).Error
}

// DailyVisits counts a user's visits per UTC day since the given time, most
// recent day first.
func (s *Store) DailyVisits(ctx context.Context, userID uint64, since time.Time) ([]DayCount, error) {
	var starts []time.Time
	err := s.db.WithContext(ctx).
		Model(&Visit{}).
		Where("user_id = ? AND start_time > ?", userID, since.UTC()).
		Order("start_time DESC").
		Pluck("start_time", &starts).Error
	if err != nil {
		return nil, err
	}

	var counts []DayCount
	for _, st := range starts {
		day := activity.Day(st)
		if n := len(counts); n > 0 && counts[n-1].Day.Equal(day) {
			counts[n-1].Visits++
			continue
		}
		counts = append(counts, DayCount{Day: day, Visits: 1})
	}
	return counts, nil
}
