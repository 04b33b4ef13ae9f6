package app

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/shared"
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
	return s.db.AutoMigrate(&App{}, &Stat{})
}

func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Create fills in the default tier configuration when none is set.
func (s *Store) Create(ctx context.Context, a *App) error {
	if a.SuperFreq == "" && a.SuperTime == "" {
		t := cohort.DefaultThresholds()
		a.SuperFreq, a.SuperTime = t.SuperFrequency, t.SuperTimeUsed
		a.AlmostFreq, a.AlmostTime = t.AlmostFrequency, t.AlmostTimeUsed
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *Store) GetByID(ctx context.Context, id uint64) (*App, error) {
	var a App
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &a, err
}

// SetSuperConfig stores a new super pair and the almost pair derived from it.
func (s *Store) SetSuperConfig(ctx context.Context, id uint64, freq cohort.Frequency, timeUsed cohort.TimeUsed) (*App, error) {
	t, err := cohort.NewThresholds(freq, timeUsed)
	if err != nil {
		return nil, err
	}

	a, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	a.SuperFreq, a.SuperTime = t.SuperFrequency, t.SuperTimeUsed
	a.AlmostFreq, a.AlmostTime = t.AlmostFrequency, t.AlmostTimeUsed
	if err := s.db.WithContext(ctx).Model(a).Select("super_freq", "super_time", "almost_freq", "almost_time").Updates(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// ListAfter returns up to limit apps with id greater than afterID, in id order.
func (s *Store) ListAfter(ctx context.Context, afterID uint64, limit int) ([]App, error) {
	var apps []App
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&apps).Error
	return apps, err
}

// SaveStat writes the snapshot for (app, hour), replacing any earlier one.
func (s *Store) SaveStat(ctx context.Context, stat *Stat) error {
	stat.Hour = stat.Hour.UTC().Truncate(time.Hour)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app_id"}, {Name: "hour"}},
		DoUpdates: clause.AssignmentColumns([]string{"counts"}),
	}).Create(stat).Error
}

func (s *Store) Stats(ctx context.Context, appID uint64, since time.Time) ([]Stat, error) {
	var stats []Stat
	err := s.db.WithContext(ctx).
		Where("app_id = ? AND hour >= ?", appID, since.UTC()).
		Order("hour").
		Find(&stats).Error
	return stats, err
}
