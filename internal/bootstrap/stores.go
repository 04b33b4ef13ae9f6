package bootstrap

import (
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/labels"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/session"
	"github.com/eleven-am/engagement-backend/internal/user"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideAppStore(db *gorm.DB) *app.Store {
	return app.NewStore(db)
}

func ProvideUserStore(db *gorm.DB) *user.Store {
	return user.NewStore(db)
}

func ProvideSessionStore(db *gorm.DB) *session.Store {
	return session.NewStore(db)
}

func ProvideLabelStore(db *gorm.DB) *labels.Store {
	return labels.NewStore(db)
}

func ProvideDecayLog(db *gorm.DB) *ledger.DecayLog {
	return ledger.NewDecayLog(db)
}

func ProvideLedger(redisClient *redis.Client) *ledger.Ledger {
	return ledger.New(redisClient)
}

type migrator interface {
	Migrate() error
}

func RunMigrations(apps *app.Store, users *user.Store, sessions *session.Store, events *labels.Store, decay *ledger.DecayLog) error {
	for _, m := range []migrator{apps, users, sessions, events, decay} {
		if err := m.Migrate(); err != nil {
			return err
		}
	}
	return nil
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideAppStore,
		ProvideUserStore,
		ProvideSessionStore,
		ProvideLabelStore,
		ProvideDecayLog,
		ProvideLedger,
	),
	fx.Invoke(RunMigrations),
)
