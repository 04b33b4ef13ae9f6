package bootstrap

import (
	"context"
	"log/slog"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/dirty"
	"github.com/eleven-am/engagement-backend/internal/labels"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/session"
	"github.com/eleven-am/engagement-backend/internal/tracking"
	"github.com/eleven-am/engagement-backend/internal/user"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideLabeler(lc fx.Lifecycle, cfg *Config, apps *app.Store, users *user.Store, events *labels.Store, logger *slog.Logger) (*labels.Labeler, error) {
	labeler, err := labels.NewLabeler(apps, users, events, logger.With("component", "labeler"), cfg.Labels.ThresholdTTL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			labeler.Close()
			return nil
		},
	})
	return labeler, nil
}

func ProvideVisitCache(lc fx.Lifecycle, cfg *Config) (*tracking.VisitCache, error) {
	cache, err := tracking.NewVisitCache(cfg.Tracking.VisitCacheTTL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cache.Close()
			return nil
		},
	})
	return cache, nil
}

func ProvideDirtyQueue(redisClient *redis.Client, clock quartz.Clock, logger *slog.Logger) *dirty.Queue {
	return dirty.NewQueue(redisClient, clock, logger.With("component", "dirty_queue"))
}

func ProvideDirtyWorker(cfg *Config, db *gorm.DB, queue *dirty.Queue, users *user.Store, labeler *labels.Labeler, l *ledger.Ledger, clock quartz.Clock, logger *slog.Logger) *dirty.Worker {
	return dirty.NewWorker(db, queue, users, labeler, l, clock, logger.With("component", "dirty_worker"), cfg.Jobs.DirtyBatch)
}

func ProvideDecaySweeper(cfg *Config, db *gorm.DB, users *user.Store, decay *ledger.DecayLog, queue *dirty.Queue, clock quartz.Clock, logger *slog.Logger) *ledger.DecaySweeper {
	return ledger.NewDecaySweeper(db, users, decay, queue, clock, logger.With("component", "decay"), cfg.Jobs.DecayBatch)
}

type TrackerParams struct {
	fx.In

	Config   *Config
	DB       *gorm.DB
	Apps     *app.Store
	Sessions *session.Store
	Users    *user.Store
	Decay    *ledger.DecayLog
	Labeler  *labels.Labeler
	Ledger   *ledger.Ledger
	Queue    *dirty.Queue
	Visits   *tracking.VisitCache
	Clock    quartz.Clock
	Logger   *slog.Logger
}

func ProvideTracker(p TrackerParams) *tracking.Tracker {
	return tracking.NewTracker(tracking.Deps{
		DB:       p.DB,
		Apps:     p.Apps,
		Sessions: p.Sessions,
		Users:    p.Users,
		Decay:    p.Decay,
		Labeler:  p.Labeler,
		Ledger:   p.Ledger,
		Dirty:    p.Queue,
		Visits:   p.Visits,
		Clock:    p.Clock,
		Logger:   p.Logger.With("component", "tracker"),
	}, tracking.Config{VisitBoundary: p.Config.Tracking.VisitBoundary})
}

var EngineModule = fx.Options(
	fx.Provide(
		ProvideLabeler,
		ProvideVisitCache,
		ProvideDirtyQueue,
		ProvideDirtyWorker,
		ProvideDecaySweeper,
		ProvideTracker,
	),
)
