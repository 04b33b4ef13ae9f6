// Package dirty schedules users whose labels may be stale for
// reclassification.
package dirty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	Key = "users:dirty"

	popMaxInterval = time.Second
)

// Queue is a redis sorted set of user ids scored by the unix time they
// become due.
type Queue struct {
	redis  *redis.Client
	clock  quartz.Clock
	logger *slog.Logger
}

func NewQueue(redisClient *redis.Client, clock quartz.Clock, logger *slog.Logger) *Queue {
	return &Queue{
		redis:  redisClient,
		clock:  clock,
		logger: logger.With("component", "dirty_queue"),
	}
}

// Mark schedules ids for relabeling now.
func (q *Queue) Mark(ctx context.Context, ids ...uint64) error {
	return q.MarkAt(ctx, q.clock.Now(), ids...)
}

// MarkAt schedules ids for relabeling once due has passed. Marking an id that
// is already queued moves it to the new time.
func (q *Queue) MarkAt(ctx context.Context, due time.Time, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	score := float64(due.Unix())
	members := make([]redis.Z, len(ids))
	for i, id := range ids {
		members[i] = redis.Z{Score: score, Member: strconv.FormatUint(id, 10)}
	}
	if err := q.redis.ZAdd(ctx, Key, members...).Err(); err != nil {
		return fmt.Errorf("mark dirty: %w", err)
	}
	metrics.DirtyMarked.Add(float64(len(ids)))
	return nil
}

// Pop removes and returns up to limit ids that are due. Concurrent poppers
// never receive the same id; a pop that loses a WATCH race is retried.
func (q *Queue) Pop(ctx context.Context, limit int) ([]uint64, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = popMaxInterval
	eb.MaxElapsedTime = 0
	bkoff := backoff.WithContext(eb, ctx)

	var ids []uint64
	err := backoff.Retry(func() error {
		var err error
		ids, err = q.pop(ctx, limit)
		if errors.Is(err, redis.TxFailedErr) {
			metrics.DirtyWatchRetries.Inc()
			q.logger.Debug("dirty pop lost a race, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, bkoff)
	if err != nil {
		return nil, fmt.Errorf("pop dirty: %w", err)
	}
	metrics.DirtyPopped.Add(float64(len(ids)))
	return ids, nil
}

func (q *Queue) pop(ctx context.Context, limit int) ([]uint64, error) {
	var ids []uint64
	dueBy := strconv.FormatInt(q.clock.Now().Unix(), 10)

	err := q.redis.Watch(ctx, func(tx *redis.Tx) error {
		members, err := tx.ZRangeByScore(ctx, Key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   dueBy,
			Count: int64(limit),
		}).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}

		ids = make([]uint64, 0, len(members))
		for _, m := range members {
			id, err := strconv.ParseUint(m, 10, 64)
			if err != nil {
				q.logger.Warn("dropping malformed dirty member", "member", m)
				continue
			}
			ids = append(ids, id)
		}

		removal := make([]any, len(members))
		for i, m := range members {
			removal[i] = m
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, Key, removal...)
			return nil
		})
		return err
	}, Key)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, Key).Result()
}

// Pending counts entries that are already due.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.redis.ZCount(ctx, Key, "-inf", strconv.FormatInt(q.clock.Now().Unix(), 10)).Result()
}
