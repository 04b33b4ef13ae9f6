package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/dirty"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/metrics"
	"github.com/eleven-am/engagement-backend/internal/user"
	"gorm.io/gorm"
)

const (
	CorrectionPageSize = 100
	RelabelPageSize    = 250
	InactivePageSize   = 250
	SnapshotPageSize   = 50

	// InactiveAfter is how long past its last activity a user holding
	// active-1w is re-evaluated. The extra hour keeps users with activity
	// still inside the week from being picked up at the boundary.
	InactiveAfter = 7*24*time.Hour + time.Hour
)

const (
	cursorCorrection = "days-active"
	cursorRelabel    = "relabel"
)

// BitmapCorrection walks every user in id order, clearing activity bits that
// fell out of the trailing window even when the user had no new events.
type BitmapCorrection struct {
	db       *gorm.DB
	users    *user.Store
	dirty    ledger.DirtyMarker
	cursors  *Cursors
	clock    quartz.Clock
	logger   *slog.Logger
	pageSize int
}

func NewBitmapCorrection(db *gorm.DB, users *user.Store, dirty ledger.DirtyMarker, cursors *Cursors, clock quartz.Clock, logger *slog.Logger, pageSize int) *BitmapCorrection {
	if pageSize <= 0 {
		pageSize = CorrectionPageSize
	}
	return &BitmapCorrection{
		db:       db,
		users:    users,
		dirty:    dirty,
		cursors:  cursors,
		clock:    clock,
		logger:   logger.With("job", "bitmap_correction"),
		pageSize: pageSize,
	}
}

// RunOnce corrects the next page and returns how many users it read. A user
// whose corrected window cannot be saved is logged and still marked dirty; the
// rest of the page commits.
func (b *BitmapCorrection) RunOnce(ctx context.Context) (int, error) {
	after, err := b.cursors.Get(ctx, cursorCorrection)
	if err != nil {
		return 0, err
	}
	now := b.clock.Now().UTC()

	var page []user.TrackedUser
	var changed []uint64
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := b.users.WithTx(tx)
		var err error
		page, err = users.LockAfter(ctx, after, b.pageSize)
		if err != nil {
			return fmt.Errorf("lock page after %d: %w", after, err)
		}
		for i := range page {
			u := &page[i]
			if !u.CorrectWindow(now) {
				continue
			}
			err := tx.Transaction(func(sp *gorm.DB) error {
				return b.users.WithTx(sp).SaveWindow(ctx, u)
			})
			if err != nil {
				b.logger.Error("window correction failed", "user_id", u.ID, "error", err)
				metrics.CorrectionFailures.Inc()
			}
			changed = append(changed, u.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	next := uint64(0)
	if len(page) == b.pageSize {
		next = page[len(page)-1].ID
	} else {
		b.logger.Info("reached end of users, restarting", "last_id", after)
	}
	if err := b.cursors.Set(ctx, cursorCorrection, next); err != nil {
		return len(page), err
	}

	if err := b.dirty.Mark(ctx, changed...); err != nil {
		return len(page), fmt.Errorf("mark corrected users: %w", err)
	}
	return len(page), nil
}

// PeriodicRelabel re-evaluates every user in id order, a page per tick, as a
// backstop for anything the dirty queue missed.
type PeriodicRelabel struct {
	users    *user.Store
	worker   *dirty.Worker
	cursors  *Cursors
	logger   *slog.Logger
	pageSize int
}

func NewPeriodicRelabel(users *user.Store, worker *dirty.Worker, cursors *Cursors, logger *slog.Logger, pageSize int) *PeriodicRelabel {
	if pageSize <= 0 {
		pageSize = RelabelPageSize
	}
	return &PeriodicRelabel{
		users:    users,
		worker:   worker,
		cursors:  cursors,
		logger:   logger.With("job", "periodic_relabel"),
		pageSize: pageSize,
	}
}

func (p *PeriodicRelabel) RunOnce(ctx context.Context) (int, error) {
	after, err := p.cursors.Get(ctx, cursorRelabel)
	if err != nil {
		return 0, err
	}

	ids, err := p.users.IDsAfter(ctx, after, p.pageSize)
	if err != nil {
		return 0, fmt.Errorf("list users after %d: %w", after, err)
	}
	if err := p.worker.Relabel(ctx, ids); err != nil {
		return 0, err
	}

	next := uint64(0)
	if len(ids) == p.pageSize {
		next = ids[len(ids)-1]
	} else {
		p.logger.Debug("reached end of users, restarting", "last_id", after)
	}
	return len(ids), p.cursors.Set(ctx, cursorRelabel, next)
}

// WeeklyInactive relabels users still marked active this week whose last
// activity is over a week old. Nothing else touches them once they stop
// sending events.
type WeeklyInactive struct {
	users    *user.Store
	worker   *dirty.Worker
	clock    quartz.Clock
	pageSize int
}

func NewWeeklyInactive(users *user.Store, worker *dirty.Worker, clock quartz.Clock, pageSize int) *WeeklyInactive {
	if pageSize <= 0 {
		pageSize = InactivePageSize
	}
	return &WeeklyInactive{users: users, worker: worker, clock: clock, pageSize: pageSize}
}

func (w *WeeklyInactive) RunOnce(ctx context.Context) (int, error) {
	cutoff := w.clock.Now().Add(-InactiveAfter)
	ids, err := w.users.IDsWithLabelAccessedBefore(ctx, cohort.WeeklyActive, cutoff, w.pageSize)
	if err != nil {
		return 0, fmt.Errorf("find stale weekly users: %w", err)
	}
	return len(ids), w.worker.Relabel(ctx, ids)
}

// Snapshot stores the current label counters of every app for the hour.
type Snapshot struct {
	apps     *app.Store
	ledger   *ledger.Ledger
	clock    quartz.Clock
	pageSize int
}

func NewSnapshot(apps *app.Store, l *ledger.Ledger, clock quartz.Clock, pageSize int) *Snapshot {
	if pageSize <= 0 {
		pageSize = SnapshotPageSize
	}
	return &Snapshot{apps: apps, ledger: l, clock: clock, pageSize: pageSize}
}

func (s *Snapshot) RunOnce(ctx context.Context) (int, error) {
	hour := s.clock.Now().UTC().Truncate(time.Hour)
	written := 0

	var after uint64
	for {
		page, err := s.apps.ListAfter(ctx, after, s.pageSize)
		if err != nil {
			return written, fmt.Errorf("list apps after %d: %w", after, err)
		}
		if len(page) == 0 {
			return written, nil
		}

		ids := make([]uint64, len(page))
		for i, a := range page {
			ids[i] = a.ID
		}
		counts, err := s.ledger.CountsForApps(ctx, ids)
		if err != nil {
			return written, err
		}

		for _, id := range ids {
			stat := &app.Stat{AppID: id, Hour: hour, Counts: counts[id]}
			if err := s.apps.SaveStat(ctx, stat); err != nil {
				return written, fmt.Errorf("save stat for app %d: %w", id, err)
			}
			written++
		}

		if len(page) < s.pageSize {
			return written, nil
		}
		after = ids[len(ids)-1]
	}
}

// drain repeats run while it reports a full batch.
func drain(ctx context.Context, batchSize int, run func(context.Context) (int, error)) (int, error) {
	total := 0
	for {
		n, err := run(ctx)
		total += n
		if err != nil || n < batchSize {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
