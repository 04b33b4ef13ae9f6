package bootstrap

import (
	"context"
	"log/slog"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/dirty"
	"github.com/eleven-am/engagement-backend/internal/jobs"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/user"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type JobParams struct {
	fx.In

	Config *Config
	DB     *gorm.DB
	Redis  *redis.Client
	Apps   *app.Store
	Users  *user.Store
	Ledger *ledger.Ledger
	Decay  *ledger.DecaySweeper
	Queue  *dirty.Queue
	Worker *dirty.Worker
	Clock  quartz.Clock
	Logger *slog.Logger
}

func ProvideJobRunner(p JobParams) *jobs.Runner {
	cfg := p.Config.Jobs
	cursors := jobs.NewCursors(p.Redis)

	runner := jobs.NewRunner(p.Clock, p.Logger)
	jobs.Register(runner, jobs.Tasks{
		Correction: jobs.NewBitmapCorrection(p.DB, p.Users, p.Queue, cursors, p.Clock, p.Logger, cfg.CorrectionPage),
		Decay:      p.Decay,
		Queue:      p.Queue,
		Worker:     p.Worker,
		Inactive:   jobs.NewWeeklyInactive(p.Users, p.Worker, p.Clock, cfg.InactivePage),
		Relabel:    jobs.NewPeriodicRelabel(p.Users, p.Worker, cursors, p.Logger, cfg.RelabelPage),
		Snapshot:   jobs.NewSnapshot(p.Apps, p.Ledger, p.Clock, cfg.SnapshotPage),
	}, cfg.Intervals)
	return runner
}

func StartJobRunner(lc fx.Lifecycle, cfg *Config, runner *jobs.Runner, logger *slog.Logger) {
	if !cfg.Jobs.Enabled {
		logger.Warn("periodic jobs disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runner.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return runner.Close()
		},
	})
}

var JobsModule = fx.Options(
	fx.Provide(ProvideJobRunner),
	fx.Invoke(StartJobRunner),
)
