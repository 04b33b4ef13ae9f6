// Package dashboard serves the per-app reads and settings behind the
// engagement dashboard: label counters, hourly history and the super
// threshold.
package dashboard

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/dto"
	"github.com/eleven-am/engagement-backend/internal/labels"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/shared"
	"github.com/eleven-am/engagement-backend/internal/user"
	"github.com/labstack/echo/v4"
)

const (
	defaultStatHours = 24
	maxStatHours     = 24 * 90

	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type Handler struct {
	apps    *app.Store
	users   *user.Store
	events  *labels.Store
	labeler *labels.Labeler
	ledger  *ledger.Ledger
	clock   quartz.Clock
	logger  *slog.Logger
}

func NewHandler(apps *app.Store, users *user.Store, events *labels.Store, labeler *labels.Labeler, l *ledger.Ledger, clock quartz.Clock, logger *slog.Logger) *Handler {
	return &Handler{
		apps:    apps,
		users:   users,
		events:  events,
		labeler: labeler,
		ledger:  l,
		clock:   clock,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/apps", h.CreateApp)
	g.GET("/apps/:id", h.GetApp)
	g.PUT("/apps/:id/super-config", h.SetSuperConfig)
	g.GET("/apps/:id/label-counts", h.LabelCounts)
	g.POST("/apps/:id/label-counts/rebuild", h.RebuildLabelCounts)
	g.GET("/apps/:id/stats", h.Stats)
	g.GET("/apps/:id/label-events", h.LabelEvents)
}

func parseAppID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, shared.BadRequest("invalid_id", "id must be a positive integer")
	}
	return id, nil
}

func queryInt(c echo.Context, name string, def, maxValue int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, shared.BadRequest("invalid_"+name, name+" must be a positive integer")
	}
	return min(n, maxValue), nil
}

func appToResponse(a *app.App) dto.AppResponse {
	return dto.AppResponse{
		ID:         a.ID,
		Name:       a.Name,
		SuperFreq:  a.SuperFreq,
		SuperTime:  a.SuperTime,
		AlmostFreq: a.AlmostFreq,
		AlmostTime: a.AlmostTime,
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
	}
}

// @Summary      Create app
// @Description  Registers an app with the default super threshold
// @Tags         apps
// @Accept       json
// @Produce      json
// @Param        request  body  dto.CreateAppRequest  true  "App"
// @Success      201  {object}  dto.AppResponse
// @Failure      400  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /apps [post]
func (h *Handler) CreateApp(c echo.Context) error {
	var req dto.CreateAppRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return shared.BadRequest("validation_error", "name is required")
	}

	a := &app.App{Name: name}
	if err := h.apps.Create(c.Request().Context(), a); err != nil {
		h.logger.Error("failed to create app", "error", err)
		return shared.InternalError("create_failed", "failed to create app")
	}

	return c.JSON(http.StatusCreated, appToResponse(a))
}

// @Summary      Get app
// @Description  Returns an app and its super threshold
// @Tags         apps
// @Produce      json
// @Param        id  path  int  true  "App ID"
// @Success      200  {object}  dto.AppResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /apps/{id} [get]
func (h *Handler) GetApp(c echo.Context) error {
	appID, err := parseAppID(c)
	if err != nil {
		return err
	}

	a, err := h.apps.GetByID(c.Request().Context(), appID)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("app_not_found", "app not found")
	}
	if err != nil {
		h.logger.Error("failed to get app", "error", err, "app_id", appID)
		return shared.InternalError("get_failed", "failed to get app")
	}

	return c.JSON(http.StatusOK, appToResponse(a))
}

// @Summary      Set super threshold
// @Description  Sets the frequency and time tiers that make a user super
// @Tags         apps
// @Accept       json
// @Produce      json
// @Param        id  path  int  true  "App ID"
// @Param        request  body  dto.SuperConfigRequest  true  "Super tiers"
// @Success      200  {object}  dto.AppResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /apps/{id}/super-config [put]
func (h *Handler) SetSuperConfig(c echo.Context) error {
	appID, err := parseAppID(c)
	if err != nil {
		return err
	}

	var req dto.SuperConfigRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	a, err := h.apps.SetSuperConfig(c.Request().Context(), appID, req.Freq, req.Time)
	if errors.Is(err, shared.ErrInvalidThreshold) {
		return shared.NewAPIError("invalid_threshold", err.Error()).
			WithDetails(superOptions()).
			ToHTTP(http.StatusBadRequest)
	}
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("app_not_found", "app not found")
	}
	if err != nil {
		h.logger.Error("failed to set super config", "error", err, "app_id", appID)
		return shared.InternalError("update_failed", "failed to update super config")
	}
	h.labeler.Forget(appID)

	return c.JSON(http.StatusOK, appToResponse(a))
}

// superOptions lists the tiers a super threshold may use: every tier but
// the weakest of each axis.
func superOptions() map[string][]string {
	return map[string][]string{
		"freq": cohort.FrequencyOrder[:len(cohort.FrequencyOrder)-1],
		"time": cohort.TimeUsedOrder[:len(cohort.TimeUsedOrder)-1],
	}
}

// @Summary      Get label counts
// @Description  Returns the app's label counters and user total
// @Tags         apps
// @Produce      json
// @Param        id  path  int  true  "App ID"
// @Success      200  {object}  dto.LabelCountsResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /apps/{id}/label-counts [get]
func (h *Handler) LabelCounts(c echo.Context) error {
	appID, err := parseAppID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if _, err := h.apps.GetByID(ctx, appID); errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("app_not_found", "app not found")
	} else if err != nil {
		h.logger.Error("failed to get app", "error", err, "app_id", appID)
		return shared.InternalError("get_failed", "failed to get app")
	}

	counts, err := h.ledger.Counts(ctx, appID)
	if err != nil {
		h.logger.Error("failed to read label counts", "error", err, "app_id", appID)
		return shared.InternalError("counts_failed", "failed to read label counts")
	}
	users, err := h.users.CountByApp(ctx, appID)
	if err != nil {
		h.logger.Error("failed to count users", "error", err, "app_id", appID)
		return shared.InternalError("counts_failed", "failed to count users")
	}

	return c.JSON(http.StatusOK, dto.LabelCountsResponse{AppID: appID, Users: users, Counts: counts})
}

// RebuildLabelCounts replaces the app's counters with a recount of stored
// labels. It repairs counters after a crash between commit and apply.
//
// @Summary      Rebuild label counts
// @Description  Recounts stored labels and replaces the app's counters
// @Tags         apps
// @Produce      json
// @Param        id  path  int  true  "App ID"
// @Success      200  {object}  dto.LabelCountsResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /apps/{id}/label-counts/rebuild [post]
func (h *Handler) RebuildLabelCounts(c echo.Context) error {
	appID, err := parseAppID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if _, err := h.apps.GetByID(ctx, appID); errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("app_not_found", "app not found")
	} else if err != nil {
		h.logger.Error("failed to get app", "error", err, "app_id", appID)
		return shared.InternalError("get_failed", "failed to get app")
	}

	counts, err := h.labeler.Recount(ctx, appID)
	if err != nil {
		h.logger.Error("failed to recount labels", "error", err, "app_id", appID)
		return shared.InternalError("rebuild_failed", "failed to recount labels")
	}
	if err := h.ledger.Rebuild(ctx, appID, counts); err != nil {
		h.logger.Error("failed to rebuild label counts", "error", err, "app_id", appID)
		return shared.InternalError("rebuild_failed", "failed to rebuild label counts")
	}
	h.logger.Info("label counts rebuilt", "app_id", appID, "keys", len(counts))

	users, err := h.users.CountByApp(ctx, appID)
	if err != nil {
		h.logger.Error("failed to count users", "error", err, "app_id", appID)
		return shared.InternalError("counts_failed", "failed to count users")
	}

	return c.JSON(http.StatusOK, dto.LabelCountsResponse{AppID: appID, Users: users, Counts: counts})
}

// @Summary      Get hourly stats
// @Description  Returns hourly label count snapshots
// @Tags         apps
// @Produce      json
// @Param        id  path  int  true  "App ID"
// @Param        hours  query  int  false  "Number of hours"
// @Success      200  {object}  dto.AppStatsResponse
// @Failure      400  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /apps/{id}/stats [get]
func (h *Handler) Stats(c echo.Context) error {
	appID, err := parseAppID(c)
	if err != nil {
		return err
	}
	hours, err := queryInt(c, "hours", defaultStatHours, maxStatHours)
	if err != nil {
		return err
	}

	since := h.clock.Now().UTC().Truncate(time.Hour).Add(-time.Duration(hours-1) * time.Hour)
	stats, err := h.apps.Stats(c.Request().Context(), appID, since)
	if err != nil {
		h.logger.Error("failed to list stats", "error", err, "app_id", appID)
		return shared.InternalError("stats_failed", "failed to list stats")
	}

	resp := dto.AppStatsResponse{AppID: appID, Hours: hours, Stats: make([]dto.AppStatResponse, len(stats))}
	for i, s := range stats {
		resp.Stats[i] = dto.AppStatResponse{Hour: s.Hour.UTC().Format(time.RFC3339), Counts: s.Counts}
	}
	return c.JSON(http.StatusOK, resp)
}

// @Summary      List label events
// @Description  Returns label changes since a time
// @Tags         apps
// @Produce      json
// @Param        id  path  int  true  "App ID"
// @Param        since  query  string  false  "RFC 3339 timestamp"
// @Param        limit  query  int  false  "Maximum events"
// @Success      200  {array}   dto.LabelEventResponse
// @Failure      400  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /apps/{id}/label-events [get]
func (h *Handler) LabelEvents(c echo.Context) error {
	appID, err := parseAppID(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", defaultEventLimit, maxEventLimit)
	if err != nil {
		return err
	}

	since := h.clock.Now().Add(-24 * time.Hour)
	if raw := c.QueryParam("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return shared.BadRequest("invalid_since", "since must be an RFC 3339 timestamp")
		}
	}

	events, err := h.events.Since(c.Request().Context(), appID, since, limit)
	if err != nil {
		h.logger.Error("failed to list label events", "error", err, "app_id", appID)
		return shared.InternalError("events_failed", "failed to list label events")
	}

	resp := make([]dto.LabelEventResponse, len(events))
	for i, e := range events {
		resp[i] = dto.LabelEventResponse{
			UserID: e.UserID,
			Label:  e.Label,
			Kind:   e.Kind,
			Time:   e.CreateTime.UTC().Format(time.RFC3339),
		}
	}
	return c.JSON(http.StatusOK, resp)
}
