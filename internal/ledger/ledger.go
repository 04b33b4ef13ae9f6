// Package ledger keeps per-app label counters in redis and decays monthly
// activity counters once their day leaves the trailing window.
package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Key is the redis hash holding an app's label counts.
func Key(appID uint64) string {
	return fmt.Sprintf("app:%d:label-counts", appID)
}

type Ledger struct {
	redis *redis.Client
}

func New(redisClient *redis.Client) *Ledger {
	return &Ledger{redis: redisClient}
}

// Apply adds deltas to one app's counters in a single MULTI/EXEC.
func (l *Ledger) Apply(ctx context.Context, appID uint64, deltas map[string]int64) error {
	return l.ApplyAll(ctx, map[uint64]map[string]int64{appID: deltas})
}

// ApplyAll adds deltas for several apps atomically.
func (l *Ledger) ApplyAll(ctx context.Context, deltas map[uint64]map[string]int64) error {
	empty := true
	for _, d := range deltas {
		if len(d) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return nil
	}

	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for appID, d := range deltas {
			key := Key(appID)
			for label, n := range d {
				if n != 0 {
					pipe.HIncrBy(ctx, key, label, n)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply label deltas: %w", err)
	}
	return nil
}

func (l *Ledger) Counts(ctx context.Context, appID uint64) (map[string]int64, error) {
	raw, err := l.redis.HGetAll(ctx, Key(appID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read label counts: %w", err)
	}
	return parseCounts(raw)
}

// CountsForApps reads several apps' counters in one round trip.
func (l *Ledger) CountsForApps(ctx context.Context, appIDs []uint64) (map[uint64]map[string]int64, error) {
	cmds := make([]*redis.MapStringStringCmd, len(appIDs))
	_, err := l.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range appIDs {
			cmds[i] = pipe.HGetAll(ctx, Key(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read label counts: %w", err)
	}

	out := make(map[uint64]map[string]int64, len(appIDs))
	for i, id := range appIDs {
		counts, err := parseCounts(cmds[i].Val())
		if err != nil {
			return nil, err
		}
		out[id] = counts
	}
	return out, nil
}

// Rebuild replaces an app's counters with counts computed from the durable
// label state.
func (l *Ledger) Rebuild(ctx context.Context, appID uint64, counts map[string]int64) error {
	key := Key(appID)
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		values := make(map[string]any, len(counts))
		for label, n := range counts {
			if n != 0 {
				values[label] = n
			}
		}
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild label counts: %w", err)
	}
	return nil
}

func parseCounts(raw map[string]string) (map[string]int64, error) {
	counts := make(map[string]int64, len(raw))
	for label, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("label %q has non-integer count %q: %w", label, v, err)
		}
		counts[label] = n
	}
	return counts, nil
}
