package ledger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/metrics"
	"github.com/eleven-am/engagement-backend/internal/user"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultDecayBatchSize = 250

	// DecayRetryDelay is how long entries of a user whose decay failed wait
	// before the next attempt.
	DecayRetryDelay = time.Hour
)

// DirtyMarker queues users for relabeling.
type DirtyMarker interface {
	Mark(ctx context.Context, ids ...uint64) error
}

// DecaySweeper applies due decay entries to monthly counters.
type DecaySweeper struct {
	db        *gorm.DB
	users     *user.Store
	log       *DecayLog
	dirty     DirtyMarker
	clock     quartz.Clock
	logger    *slog.Logger
	batchSize int
}

func NewDecaySweeper(db *gorm.DB, users *user.Store, log *DecayLog, dirty DirtyMarker, clock quartz.Clock, logger *slog.Logger, batchSize int) *DecaySweeper {
	if batchSize <= 0 {
		batchSize = DefaultDecayBatchSize
	}
	return &DecaySweeper{
		db:        db,
		users:     users,
		log:       log,
		dirty:     dirty,
		clock:     clock,
		logger:    logger.With("component", "decay"),
		batchSize: batchSize,
	}
}

func (s *DecaySweeper) BatchSize() int {
	return s.batchSize
}

// Sweep applies the oldest batch of due entries and returns how many were
// consumed. A full batch means more may be due. A user whose decrement fails
// is rolled back alone: their entries are rescheduled after DecayRetryDelay
// and they are still marked dirty.
func (s *DecaySweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	var entries []DecayEntry
	var changed []uint64
	var failed, rescheduled int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("scheduled_time < ?", now).
			Order("scheduled_time, id").
			Limit(s.batchSize).
			Find(&entries).Error
		if err != nil {
			return fmt.Errorf("select due entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		last := entries[len(entries)-1]
		err = tx.Where("scheduled_time < ? OR (scheduled_time = ? AND id <= ?)", last.ScheduledTime, last.ScheduledTime, last.ID).
			Delete(&DecayEntry{}).Error
		if err != nil {
			return fmt.Errorf("delete due entries: %w", err)
		}

		byUser := make(map[uint64][]DecayEntry)
		for _, e := range entries {
			if hasNonZero(e.Deltas) {
				byUser[e.UserID] = append(byUser[e.UserID], e)
			}
		}
		if len(byUser) == 0 {
			return nil
		}
		for id := range byUser {
			changed = append(changed, id)
		}
		slices.Sort(changed)

		if _, err := s.users.WithTx(tx).LockMany(ctx, changed); err != nil {
			return fmt.Errorf("lock users: %w", err)
		}

		for _, id := range changed {
			pending := byUser[id]
			slices.SortFunc(pending, func(a, b DecayEntry) int {
				return cmp.Compare(a.ID, b.ID)
			})
			err := tx.Transaction(func(sp *gorm.DB) error {
				users := s.users.WithTx(sp)
				for _, e := range pending {
					if err := users.Decrement(ctx, id, e.Deltas); err != nil {
						return fmt.Errorf("entry %d: %w", e.ID, err)
					}
				}
				return nil
			})
			if err == nil {
				continue
			}

			s.logger.Error("decay failed, rescheduling", "user_id", id, "entries", len(pending), "error", err)
			metrics.DecayFailures.Inc()
			failed++
			rescheduled += len(pending)
			retry := make([]DecayEntry, len(pending))
			for i, e := range pending {
				retry[i] = DecayEntry{UserID: e.UserID, ScheduledTime: now.Add(DecayRetryDelay), Deltas: e.Deltas}
			}
			if err := tx.Create(&retry).Error; err != nil {
				return fmt.Errorf("reschedule entries for user %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(changed) > 0 {
		metrics.DecayEntriesApplied.Add(float64(len(entries) - rescheduled))
		s.logger.Info("decayed monthly counters", "entries", len(entries), "users", len(changed), "failed", failed)
		if err := s.dirty.Mark(ctx, changed...); err != nil {
			return len(entries), fmt.Errorf("mark decayed users dirty: %w", err)
		}
	}
	return len(entries), nil
}

func hasNonZero(m map[string]int64) bool {
	for _, v := range m {
		if v != 0 {
			return true
		}
	}
	return false
}
