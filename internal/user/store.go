package user

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

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
	return s.db.AutoMigrate(&TrackedUser{})
}

// WithTx returns a store whose queries run inside tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

func (s *Store) Create(ctx context.Context, u *TrackedUser) error {
	if u.CreateTime.IsZero() {
		u.CreateTime = time.Now().UTC()
	}
	if u.LastAccessedTime.IsZero() {
		u.LastAccessedTime = u.CreateTime
	}
	if u.Labels == nil {
		u.Labels = shared.StringSlice{}
	}
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *Store) GetByID(ctx context.Context, id uint64) (*TrackedUser, error) {
	var u TrackedUser
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &u, err
}

// Lock reads a user with a row lock held until the surrounding transaction
// ends.
func (s *Store) Lock(ctx context.Context, id uint64) (*TrackedUser, error) {
	var u TrackedUser
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &u, err
}

// LockMany locks users in ascending id order. Unknown ids are skipped.
func (s *Store) LockMany(ctx context.Context, ids []uint64) ([]TrackedUser, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var users []TrackedUser
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id").
		Find(&users).Error
	return users, err
}

// LockAfter locks the next page of users with id greater than afterID.
func (s *Store) LockAfter(ctx context.Context, afterID uint64, limit int) ([]TrackedUser, error) {
	var users []TrackedUser
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&users).Error
	return users, err
}

func (s *Store) IDsAfter(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).
		Model(&TrackedUser{}).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// IDsWithLabelAccessedBefore finds users still holding label whose last
// activity is older than cutoff.
func (s *Store) IDsWithLabelAccessedBefore(ctx context.Context, label string, cutoff time.Time, limit int) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).
		Model(&TrackedUser{}).
		Where("last_accessed_time < ?", cutoff.UTC()).
		Where("CAST(labels AS TEXT) LIKE ?", fmt.Sprintf("%%%q%%", label)).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// IDByUniqueID finds an identified user without locking it, so the caller
// can lock it together with others in id order.
func (s *Store) IDByUniqueID(ctx context.Context, appID uint64, uniqueID string) (uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).
		Model(&TrackedUser{}).
		Where("app_id = ? AND unique_id = ?", appID, uniqueID).
		Order("id").
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, shared.ErrNotFound
	}
	return ids[0], nil
}

// Save writes every column of u. Callers must hold the row lock.
func (s *Store) Save(ctx context.Context, u *TrackedUser) error {
	return s.db.WithContext(ctx).Save(u).Error
}

func (s *Store) SaveWindow(ctx context.Context, u *TrackedUser) error {
	return s.db.WithContext(ctx).
		Model(u).
		Select("days_active_map", "monthly_days_active").
		Updates(u).Error
}

func (s *Store) SaveLabels(ctx context.Context, u *TrackedUser) error {
	return s.db.WithContext(ctx).
		Model(u).
		Select("labels").
		Updates(u).Error
}

// Decrement lowers monthly counters by deltas, flooring each at zero. Only
// MonthlyFields may be named.
func (s *Store) Decrement(ctx context.Context, id uint64, deltas map[string]int64) error {
	updates := make(map[string]any, len(deltas))
	for field, n := range deltas {
		if !slices.Contains(MonthlyFields, field) {
			return fmt.Errorf("decrement %q: unknown field", field)
		}
		if n == 0 {
			continue
		}
		updates[field] = gorm.Expr(fmt.Sprintf("CASE WHEN %[1]s > ? THEN %[1]s - ? ELSE 0 END", field), n, n)
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&TrackedUser{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// EachInApp calls fn with successive batches of an app's users.
func (s *Store) EachInApp(ctx context.Context, appID uint64, batchSize int, fn func([]TrackedUser) error) error {
	var batch []TrackedUser
	return s.db.WithContext(ctx).
		Where("app_id = ?", appID).
		FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
			return fn(batch)
		}).Error
}

func (s *Store) CountByApp(ctx context.Context, appID uint64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TrackedUser{}).Where("app_id = ?", appID).Count(&n).Error
	return n, err
}
