package tracking

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/dto"
	"github.com/eleven-am/engagement-backend/internal/session"
	"github.com/eleven-am/engagement-backend/internal/shared"
	"github.com/eleven-am/engagement-backend/internal/user"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	tracker *Tracker
	users   *user.Store
	logger  *slog.Logger
}

func NewHandler(tracker *Tracker, users *user.Store, logger *slog.Logger) *Handler {
	return &Handler{
		tracker: tracker,
		users:   users,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/apps/:id/sessions", h.StartSession)
	g.POST("/sessions/:id/track", h.Track)
	g.POST("/sessions/:id/identify", h.Identify)
	g.POST("/sessions/:id/attributes", h.UpdateAttributes)
	g.GET("/users/:id/labels", h.Labels)
	g.GET("/users/:id/days-active", h.DaysActive)
	g.GET("/users/:id/visits/daily", h.DailyVisits)
}

func parseID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, shared.BadRequest("invalid_id", "id must be a positive integer")
	}
	return id, nil
}

func attributesFromRequest(req dto.AttributesRequest) session.Attributes {
	return session.Attributes{
		AppVersion:    req.AppVersion,
		AppBuild:      req.AppBuild,
		AppBuildDebug: req.AppBuildDebug,
		OS:            req.OS,
		OSVersion:     req.OSVersion,
		Hardware:      req.Hardware,
		ScreenWidth:   req.ScreenWidth,
		ScreenHeight:  req.ScreenHeight,
		ScreenScale:   req.ScreenScale,
		SDKPlatform:   req.SDKPlatform,
		SDKVersion:    req.SDKVersion,
	}
}

func sessionToResponse(s *session.Session) dto.SessionResponse {
	resp := dto.SessionResponse{
		ID:        s.ID,
		AppID:     s.AppID,
		UserID:    s.UserID,
		CreatedAt: s.CreateTime.Format(time.RFC3339),
		Attributes: dto.AttributesRequest{
			AppVersion:    s.AppVersion,
			AppBuild:      s.AppBuild,
			AppBuildDebug: s.AppBuildDebug,
			OS:            s.OS,
			OSVersion:     s.OSVersion,
			Hardware:      s.Hardware,
			ScreenWidth:   s.ScreenWidth,
			ScreenHeight:  s.ScreenHeight,
			ScreenScale:   s.ScreenScale,
			SDKPlatform:   s.SDKPlatform,
			SDKVersion:    s.SDKVersion,
		},
		Visits:  s.Visits,
		Screens: s.Screens,
		Taps:    s.Taps,
		Seconds: s.Seconds,
	}
	if s.LastUpgradeTime != nil {
		upgraded := s.LastUpgradeTime.Format(time.RFC3339)
		resp.LastUpgradeTime = &upgraded
	}
	return resp
}

func userToResponse(u *user.TrackedUser) dto.TrackedUserResponse {
	return dto.TrackedUserResponse{
		ID:       u.ID,
		AppID:    u.AppID,
		UniqueID: u.UniqueID,
		Email:    u.Email,
		Name:     u.Name,
		Labels:   u.LabelSet().Sorted(),
	}
}

// @Summary      Start a session
// @Description  Opens a session for a new anonymous user of the app
// @Tags         tracking
// @Accept       json
// @Produce      json
// @Param        id  path  int  true  "App ID"
// @Param        request  body  dto.CreateSessionRequest  true  "Device and version attributes"
// @Success      201  {object}  dto.SessionResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /apps/{id}/sessions [post]
func (h *Handler) StartSession(c echo.Context) error {
	appID, err := parseID(c)
	if err != nil {
		return err
	}

	var req dto.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	sess, err := h.tracker.StartSession(c.Request().Context(), appID, attributesFromRequest(req.AttributesRequest))
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("app_not_found", "app not found")
	}
	if err != nil {
		h.logger.Error("failed to start session", "error", err, "app_id", appID)
		return shared.InternalError("create_failed", "failed to start session")
	}

	return c.JSON(http.StatusCreated, sessionToResponse(sess))
}

// @Summary      Track events
// @Description  Folds a batch of taps and screens into visits and relabels the session's user
// @Tags         tracking
// @Accept       json
// @Produce      json
// @Param        id  path  int  true  "Session ID"
// @Param        request  body  dto.TrackRequest  true  "Event batch"
// @Success      200  {object}  dto.TrackResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /sessions/{id}/track [post]
func (h *Handler) Track(c echo.Context) error {
	sessionID, err := parseID(c)
	if err != nil {
		return err
	}

	var req dto.TrackRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	ctx := c.Request().Context()
	events := Validate(req, h.tracker.clock.Now(), h.logger.With("session_id", sessionID))
	if events.Empty() {
		return c.JSON(http.StatusOK, dto.TrackResponse{Dropped: events.Dropped, Labels: []string{}})
	}

	res, err := h.tracker.Track(ctx, sessionID, events)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		h.logger.Error("failed to track events", "error", err, "session_id", sessionID)
		return shared.InternalError("track_failed", "failed to track events")
	}

	return c.JSON(http.StatusOK, dto.TrackResponse{
		Visits:  res.NewVisits,
		Dropped: events.Dropped,
		Labels:  res.Labels.Sorted(),
	})
}

// @Summary      Identify session user
// @Description  Switches the session to an identified user, merging an anonymous user into it
// @Tags         tracking
// @Accept       json
// @Produce      json
// @Param        id  path  int  true  "Session ID"
// @Param        request  body  dto.IdentifyRequest  true  "User identity"
// @Success      200  {object}  dto.TrackedUserResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /sessions/{id}/identify [post]
func (h *Handler) Identify(c echo.Context) error {
	sessionID, err := parseID(c)
	if err != nil {
		return err
	}

	var req dto.IdentifyRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	u, err := h.tracker.Identify(c.Request().Context(), sessionID, Identity{
		UniqueID: req.UniqueID,
		Email:    req.Email,
		Name:     req.Name,
	})
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		h.logger.Error("failed to identify session", "error", err, "session_id", sessionID)
		return shared.InternalError("identify_failed", "failed to identify session")
	}

	return c.JSON(http.StatusOK, userToResponse(u))
}

// @Summary      Update session attributes
// @Description  Updates device and version attributes, stamping upgrades
// @Tags         tracking
// @Accept       json
// @Produce      json
// @Param        id  path  int  true  "Session ID"
// @Param        request  body  dto.AttributesRequest  true  "Attributes"
// @Success      200  {object}  dto.SessionResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /sessions/{id}/attributes [post]
func (h *Handler) UpdateAttributes(c echo.Context) error {
	sessionID, err := parseID(c)
	if err != nil {
		return err
	}

	var req dto.AttributesRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	sess, err := h.tracker.UpdateAttributes(c.Request().Context(), sessionID, attributesFromRequest(req))
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		h.logger.Error("failed to update attributes", "error", err, "session_id", sessionID)
		return shared.InternalError("update_failed", "failed to update session attributes")
	}

	return c.JSON(http.StatusOK, sessionToResponse(sess))
}

// @Summary      Get user labels
// @Description  Returns the stored and public labels of a tracked user
// @Tags         users
// @Produce      json
// @Param        id  path  int  true  "Tracked user ID"
// @Success      200  {object}  dto.UserLabelsResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /users/{id}/labels [get]
func (h *Handler) Labels(c echo.Context) error {
	userID, err := parseID(c)
	if err != nil {
		return err
	}

	u, err := h.users.GetByID(c.Request().Context(), userID)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("user_not_found", "user not found")
	}
	if err != nil {
		h.logger.Error("failed to load user", "error", err, "user_id", userID)
		return shared.InternalError("get_failed", "failed to load user")
	}

	labels := u.LabelSet()
	return c.JSON(http.StatusOK, dto.UserLabelsResponse{
		UserID: u.ID,
		Labels: labels.Sorted(),
		Public: cohort.Public(labels),
	})
}

// @Summary      Get days active
// @Description  Returns weekly and monthly active day counts
// @Tags         users
// @Produce      json
// @Param        id  path  int  true  "Tracked user ID"
// @Success      200  {object}  dto.DaysActiveResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /users/{id}/days-active [get]
func (h *Handler) DaysActive(c echo.Context) error {
	userID, err := parseID(c)
	if err != nil {
		return err
	}

	days, err := h.tracker.DaysActive(c.Request().Context(), userID)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("user_not_found", "user not found")
	}
	if err != nil {
		h.logger.Error("failed to load days active", "error", err, "user_id", userID)
		return shared.InternalError("get_failed", "failed to load days active")
	}

	return c.JSON(http.StatusOK, dto.DaysActiveResponse{
		UserID:  userID,
		Weekly:  days.Weekly,
		Monthly: days.Monthly,
	})
}

// @Summary      Get daily visits
// @Description  Returns per-day visit counts for recent days
// @Tags         users
// @Produce      json
// @Param        id  path  int  true  "Tracked user ID"
// @Param        days  query  int  false  "Number of days"
// @Success      200  {object}  dto.DailyVisitsResponse
// @Failure      400  {object}  shared.APIError
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /users/{id}/visits/daily [get]
func (h *Handler) DailyVisits(c echo.Context) error {
	userID, err := parseID(c)
	if err != nil {
		return err
	}

	days := DefaultActiveDaysHistory
	if raw := c.QueryParam("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days <= 0 {
			return shared.BadRequest("invalid_days", "days must be a positive integer")
		}
	}
	days = min(days, MaxActiveDaysHistory)

	counts, err := h.tracker.ActiveDays(c.Request().Context(), userID, days)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("user_not_found", "user not found")
	}
	if err != nil {
		h.logger.Error("failed to load daily visits", "error", err, "user_id", userID)
		return shared.InternalError("get_failed", "failed to load daily visits")
	}

	visits := make([]dto.DayVisits, len(counts))
	for i, dc := range counts {
		visits[i] = dto.DayVisits{Day: dc.Day.Format(time.DateOnly), Visits: dc.Visits}
	}
	return c.JSON(http.StatusOK, dto.DailyVisitsResponse{UserID: userID, Days: days, Visits: visits})
}
