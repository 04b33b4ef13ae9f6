package bootstrap

import (
	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/dirty"
	"github.com/eleven-am/engagement-backend/internal/health"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const version = "1.0.0"

func ProvideHealthHandler(db *gorm.DB, redis *redis.Client, queue *dirty.Queue, decay *ledger.DecayLog, clock quartz.Clock) *health.Handler {
	return health.NewHandler(db, redis, queue, decay, clock, version)
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(h.Middleware)
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
