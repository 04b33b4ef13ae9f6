package bootstrap

import (
	"log/slog"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/dashboard"
	"github.com/eleven-am/engagement-backend/internal/labels"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/tracking"
	"github.com/eleven-am/engagement-backend/internal/user"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	TrackingHandler  *tracking.Handler
	DashboardHandler *dashboard.Handler
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/v1")
	params.TrackingHandler.RegisterRoutes(api)
	params.DashboardHandler.RegisterRoutes(api)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func ProvideTrackingHandler(tracker *tracking.Tracker, users *user.Store, logger *slog.Logger) *tracking.Handler {
	return tracking.NewHandler(tracker, users, logger.With("handler", "tracking"))
}

func ProvideDashboardHandler(apps *app.Store, users *user.Store, events *labels.Store, labeler *labels.Labeler, l *ledger.Ledger, clock quartz.Clock, logger *slog.Logger) *dashboard.Handler {
	return dashboard.NewHandler(apps, users, events, labeler, l, clock, logger.With("handler", "dashboard"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideTrackingHandler,
		ProvideDashboardHandler,
	),
	fx.Invoke(RegisterRoutes),
)
