// Package labels applies cohort classification to stored users and keeps the
// audit trail of every label change.
package labels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/metrics"
	"github.com/eleven-am/engagement-backend/internal/shared"
	"github.com/eleven-am/engagement-backend/internal/user"
	"gorm.io/gorm"
)

const DefaultThresholdTTL = time.Minute

type Labeler struct {
	apps       *app.Store
	users      *user.Store
	events     *Store
	thresholds *ristretto.Cache[uint64, cohort.Thresholds]
	ttl        time.Duration
	logger     *slog.Logger
}

func NewLabeler(apps *app.Store, users *user.Store, events *Store, logger *slog.Logger, ttl time.Duration) (*Labeler, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, cohort.Thresholds]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create threshold cache: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultThresholdTTL
	}
	return &Labeler{
		apps:       apps,
		users:      users,
		events:     events,
		thresholds: cache,
		ttl:        ttl,
		logger:     logger.With("component", "labeler"),
	}, nil
}

func (l *Labeler) Close() {
	l.thresholds.Close()
}

// Thresholds returns an app's tier configuration.
func (l *Labeler) Thresholds(ctx context.Context, tx *gorm.DB, appID uint64) (cohort.Thresholds, error) {
	if t, ok := l.thresholds.Get(appID); ok {
		return t, nil
	}
	a, err := l.apps.WithTx(tx).GetByID(ctx, appID)
	if err != nil {
		return cohort.Thresholds{}, fmt.Errorf("load app %d: %w", appID, err)
	}
	t := a.Thresholds()
	l.thresholds.SetWithTTL(appID, t, 1, l.ttl)
	return t, nil
}

// Forget drops a cached configuration after it changed.
func (l *Labeler) Forget(appID uint64) {
	l.thresholds.Del(appID)
}

// Relabel classifies u, which must be locked in tx, and persists any change
// together with its audit events. The returned diff's deltas are what the
// caller applies to the app's counters after tx commits.
func (l *Labeler) Relabel(ctx context.Context, tx *gorm.DB, u *user.TrackedUser, now time.Time) (cohort.Diff, error) {
	t, err := l.Thresholds(ctx, tx, u.AppID)
	if err != nil {
		return cohort.Diff{}, err
	}

	previous := u.LabelSet()
	next := cohort.Classify(u.Metrics(now), t, previous)
	diff := cohort.NewDiff(previous, next)
	if diff.Empty() {
		return diff, nil
	}

	u.SetLabels(next)
	if err := l.users.WithTx(tx).SaveLabels(ctx, u); err != nil {
		return cohort.Diff{}, fmt.Errorf("save labels for user %d: %w", u.ID, err)
	}

	events := make([]ChangeEvent, 0, len(diff.Added)+len(diff.Removed))
	for _, label := range diff.Added {
		events = append(events, ChangeEvent{AppID: u.AppID, UserID: u.ID, Label: label, Kind: KindAdded, CreateTime: now.UTC()})
	}
	for _, label := range diff.Removed {
		events = append(events, ChangeEvent{AppID: u.AppID, UserID: u.ID, Label: label, Kind: KindRemoved, CreateTime: now.UTC()})
	}
	if err := l.events.WithTx(tx).Record(ctx, events); err != nil {
		return cohort.Diff{}, fmt.Errorf("record label events for user %d: %w", u.ID, err)
	}

	metrics.RecordLabelChanges(len(diff.Added), len(diff.Removed))
	l.logger.Debug("labels changed", "user_id", u.ID, "added", diff.Added, "removed", diff.Removed)
	return diff, nil
}

// Recount derives an app's counters from the labels currently stored on its
// users.
func (l *Labeler) Recount(ctx context.Context, appID uint64) (map[string]int64, error) {
	counts := make(map[string]int64)
	err := l.users.EachInApp(ctx, appID, 500, func(batch []user.TrackedUser) error {
		for i := range batch {
			for k, v := range cohort.Counts(batch[i].LabelSet()) {
				counts[k] += v
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recount app %d: %w", appID, err)
	}
	return counts, nil
}

// Deltas accumulates counter changes per app across several relabels.
type Deltas map[uint64]map[string]int64

func (d Deltas) Add(appID uint64, diff cohort.Diff) {
	if len(diff.Deltas) == 0 {
		return
	}
	m, ok := d[appID]
	if !ok {
		m = make(map[string]int64)
		d[appID] = m
	}
	shared.Int64Map(m).Add(diff.Deltas)
}
