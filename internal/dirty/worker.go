package dirty

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/labels"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/metrics"
	"github.com/eleven-am/engagement-backend/internal/user"
	"gorm.io/gorm"
)

const (
	DefaultBatchSize = 50

	// RetryDelay is how long a user whose relabel failed waits before it is
	// due again.
	RetryDelay = time.Minute
)

// Worker drains the queue through the labeler.
type Worker struct {
	db        *gorm.DB
	queue     *Queue
	users     *user.Store
	labeler   *labels.Labeler
	ledger    *ledger.Ledger
	clock     quartz.Clock
	logger    *slog.Logger
	batchSize int
}

func NewWorker(db *gorm.DB, queue *Queue, users *user.Store, labeler *labels.Labeler, l *ledger.Ledger, clock quartz.Clock, logger *slog.Logger, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Worker{
		db:        db,
		queue:     queue,
		users:     users,
		labeler:   labeler,
		ledger:    l,
		clock:     clock,
		logger:    logger.With("component", "dirty_worker"),
		batchSize: batchSize,
	}
}

func (w *Worker) BatchSize() int {
	return w.batchSize
}

// RunOnce relabels one batch of due users and returns how many ids it popped.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ids, err := w.queue.Pop(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := w.Relabel(ctx, ids); err != nil {
		if markErr := w.queue.Mark(ctx, ids...); markErr != nil {
			w.logger.Error("failed to re-queue batch", "count", len(ids), "error", markErr)
		}
		return len(ids), err
	}
	return len(ids), nil
}

// Relabel locks ids in ascending order and relabels each user inside its own
// savepoint. A user whose relabel fails is rolled back alone and queued again
// after RetryDelay; the rest of the batch still commits. Ledger deltas are
// applied once the transaction has committed.
func (w *Worker) Relabel(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	now := w.clock.Now()
	deltas := make(labels.Deltas)
	var failed []uint64

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users, err := w.users.WithTx(tx).LockMany(ctx, ids)
		if err != nil {
			return fmt.Errorf("lock users: %w", err)
		}

		for i := range users {
			u := &users[i]
			var diff cohort.Diff
			err := tx.Transaction(func(sp *gorm.DB) error {
				var err error
				diff, err = w.labeler.Relabel(ctx, sp, u, now)
				return err
			})
			if err != nil {
				w.logger.Error("relabel failed", "user_id", u.ID, "error", err)
				metrics.DirtyRelabelFailures.Inc()
				failed = append(failed, u.ID)
				continue
			}
			deltas.Add(u.AppID, diff)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := w.ledger.ApplyAll(ctx, deltas); err != nil {
		w.logger.Error("failed to apply label deltas", "error", err)
	}
	if len(failed) > 0 {
		if err := w.queue.MarkAt(ctx, now.Add(RetryDelay), failed...); err != nil {
			w.logger.Error("failed to re-queue users", "count", len(failed), "error", err)
		}
	}
	return nil
}

// Drain runs batches until the queue holds no due users.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < w.batchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
