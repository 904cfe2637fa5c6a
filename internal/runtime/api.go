package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/loqalabs/loqa-coach/internal/coaching"
	"github.com/loqalabs/loqa-coach/internal/media"
	"github.com/loqalabs/loqa-coach/internal/session"
	"github.com/loqalabs/loqa-coach/internal/store"
)

// API exposes the orchestrator and the library over HTTP.
type API struct {
	orch     *session.Orchestrator
	library  *store.Library
	timeline store.Timeline
	ready    func() bool
	metrics  http.Handler
	log      *slog.Logger
}

func NewAPI(svc *Services, ready func() bool, metrics http.Handler, logger *slog.Logger) *API {
	return &API{
		orch:     svc.Orchestrator,
		library:  svc.Library,
		timeline: svc.Timeline,
		ready:    ready,
		metrics:  metrics,
		log:      logger.With(slog.String("component", "api")),
	}
}

func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", a.Health)
	e.GET("/readyz", a.Ready)
	if a.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(a.metrics))
	}

	api := e.Group("/api")
	api.GET("/session", a.GetSession)
	api.POST("/session/start", a.StartSession)
	api.POST("/session/stop", a.StopSession)
	api.POST("/session/mute", a.ToggleMute)
	api.POST("/session/video", a.ToggleVideo)
	api.POST("/session/feedback", a.SetFeedback)
	api.POST("/session/post-mood", a.SetPostMood)
	api.POST("/session/summary", a.SaveSummary)
	api.GET("/session/stream", a.Stream)
	api.GET("/sessions/:session_id/events", a.SessionEvents)

	api.GET("/history", a.History)
	api.GET("/resources", a.Resources)
	api.POST("/resources", a.AddResource)
}

type errorResponse struct {
	Error string         `json:"error"`
	State *session.State `json:"state,omitempty"`
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, errorResponse{Error: msg})
}

func (a *API) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (a *API) Ready(c echo.Context) error {
	if a.ready != nil && !a.ready() {
		return c.String(http.StatusServiceUnavailable, "not ready")
	}
	return c.String(http.StatusOK, "ready")
}

func (a *API) GetSession(c echo.Context) error {
	return c.JSON(http.StatusOK, a.orch.Snapshot())
}

type moodRequest struct {
	Mood string `json:"mood"`
}

func (a *API) StartSession(c echo.Context) error {
	var req moodRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	var mood coaching.Mood
	if strings.TrimSpace(req.Mood) != "" {
		parsed, err := coaching.ParseMood(req.Mood)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		mood = parsed
	}

	err := a.orch.Start(c.Request().Context(), mood)
	state := a.orch.Snapshot()
	if err == nil {
		return c.JSON(http.StatusOK, state)
	}

	var acquireErr *media.AcquireError
	var connErr *session.ConnectionError
	switch {
	case errors.Is(err, session.ErrNotIdle), errors.Is(err, session.ErrStartCancelled):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), State: &state})
	case errors.Is(err, coaching.ErrInvalidMood):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.As(err, &acquireErr):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: acquireErr.Reason.Message(), State: &state})
	case errors.As(err, &connErr):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: session.MsgConnectFailed, State: &state})
	default:
		a.log.Error("start session failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), State: &state})
	}
}

func (a *API) StopSession(c echo.Context) error {
	if err := a.orch.Stop(); err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a.orch.Snapshot())
}

func (a *API) ToggleMute(c echo.Context) error {
	state, err := a.orch.ToggleMute()
	if errors.Is(err, session.ErrNotLive) {
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), State: &state})
	}
	return c.JSON(http.StatusOK, state)
}

func (a *API) ToggleVideo(c echo.Context) error {
	state, err := a.orch.ToggleVideo()
	if errors.Is(err, session.ErrNotLive) {
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), State: &state})
	}
	return c.JSON(http.StatusOK, state)
}

type feedbackRequest struct {
	Enabled *bool `json:"enabled"`
}

func (a *API) SetFeedback(c echo.Context) error {
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Enabled == nil {
		return errorJSON(c, http.StatusBadRequest, "enabled is required")
	}
	return c.JSON(http.StatusOK, a.orch.SetAudioFeedback(*req.Enabled))
}

func (a *API) SetPostMood(c echo.Context) error {
	var req moodRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	mood, err := coaching.ParseMood(req.Mood)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	state, err := a.orch.SetPostMood(mood)
	if errors.Is(err, session.ErrNotInSummary) {
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), State: &state})
	}
	return c.JSON(http.StatusOK, state)
}

func (a *API) SaveSummary(c echo.Context) error {
	var form session.SummaryForm
	if err := c.Bind(&form); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if form.PostMood != "" {
		mood, err := coaching.ParseMood(string(form.PostMood))
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		form.PostMood = mood
	}

	summary, err := a.orch.SaveSummary(c.Request().Context(), form)
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, summary)
	case errors.Is(err, session.ErrNotInSummary), errors.Is(err, session.ErrSaveInProgress):
		return errorJSON(c, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrPostMoodRequired), errors.Is(err, coaching.ErrInvalidMood):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("save summary failed", slog.String("error", err.Error()))
		return errorJSON(c, http.StatusInternalServerError, "failed to save summary")
	}
}

func (a *API) History(c echo.Context) error {
	return c.JSON(http.StatusOK, a.library.History())
}

func (a *API) Resources(c echo.Context) error {
	return c.JSON(http.StatusOK, a.library.Resources())
}

type resourceRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	Category    string `json:"category"`
}

func (a *API) AddResource(c echo.Context) error {
	var req resourceRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	kind, err := coaching.ParseResourceType(req.Type)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	res := coaching.Resource{
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Type:        kind,
		URL:         strings.TrimSpace(req.URL),
		Category:    strings.TrimSpace(req.Category),
	}
	if err := res.Validate(); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	saved, err := a.library.AddResource(c.Request().Context(), res)
	if err != nil {
		a.log.Error("add resource failed", slog.String("error", err.Error()))
		return errorJSON(c, http.StatusInternalServerError, "failed to save resource")
	}
	return c.JSON(http.StatusCreated, saved)
}

type timelineEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (a *API) SessionEvents(c echo.Context) error {
	if a.timeline == nil {
		return errorJSON(c, http.StatusNotFound, "session timeline requires the sqlite store")
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	events, err := a.timeline.ListSessionEvents(c.Request().Context(), c.Param("session_id"), limit)
	if err != nil {
		a.log.Error("list session events failed", slog.String("error", err.Error()))
		return errorJSON(c, http.StatusInternalServerError, "failed to list events")
	}
	out := make([]timelineEvent, 0, len(events))
	for _, evt := range events {
		out = append(out, timelineEvent{
			ID:        evt.ID,
			Type:      evt.Type,
			Payload:   json.RawMessage(evt.Payload),
			CreatedAt: evt.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
