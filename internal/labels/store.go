package labels

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&ChangeEvent{})
}

func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

func (s *Store) Record(ctx context.Context, events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&events).Error
}

func (s *Store) ForUser(ctx context.Context, userID uint64) ([]ChangeEvent, error) {
	var events []ChangeEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id").
		Find(&events).Error
	return events, err
}

// NetCounts sums an app's events per label: additions minus removals.
func (s *Store) NetCounts(ctx context.Context, appID uint64) (map[string]int64, error) {
	var rows []struct {
		Label string
		Net   int64
	}
	err := s.db.WithContext(ctx).
		Model(&ChangeEvent{}).
		Select("label, SUM(CASE WHEN kind = ? THEN 1 ELSE -1 END) AS net", KindAdded).
		Where("app_id = ?", appID).
		Group("label").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Label] = r.Net
	}
	return counts, nil
}

// Since lists an app's events at or after t, oldest first.
func (s *Store) Since(ctx context.Context, appID uint64, t time.Time, limit int) ([]ChangeEvent, error) {
	var events []ChangeEvent
	err := s.db.WithContext(ctx).
		Where("app_id = ? AND create_time >= ?", appID, t.UTC()).
		Order("create_time, id").
		Limit(limit).
		Find(&events).Error
	return events, err
}
