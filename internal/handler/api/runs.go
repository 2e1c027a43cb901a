package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/service/ratelimit"
	"AstroSeis/internal/usecase"
	xhttp "AstroSeis/pkg/http"
	applogger "AstroSeis/pkg/logger"
)

// RunService is the part of usecase.Runner the HTTP layer drives.
type RunService interface {
	Submit(req usecase.RunRequest) (models.RunStatus, error)
	Status(ctx context.Context, id string) (models.RunStatus, error)
	Cancel(id string) error
	Subscribe(id string) (<-chan models.RunStatus, func(), error)
}

// RunsHandler exposes analysis runs over HTTP.
type RunsHandler struct {
	runs   RunService
	limit  *ratelimit.Limiter
	logger *applogger.Logger
}

func NewRunsHandler(runs RunService, limit *ratelimit.Limiter, logger *applogger.Logger) *RunsHandler {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &RunsHandler{runs: runs, limit: limit, logger: logger.With(applogger.String("handler", "runs"))}
}

func (h *RunsHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/runs")
	g.POST("", h.Submit)
	g.GET("/:id", h.Status)
	g.GET("/:id/result", h.Result)
	g.DELETE("/:id", h.Cancel)
	g.GET("/:id/events", h.ProgressStream)
}

// Submit starts a run and answers 202 with its pending status.
func (h *RunsHandler) Submit(c echo.Context) error {
	if h.limit != nil && !h.limit.Allow(c.RealIP()) {
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("run submissions are rate limited"))
	}
	req := &usecase.RunRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	st, err := h.runs.Submit(*req)
	if err != nil {
		return h.fail(c, "submit", err)
	}
	h.logger.Info("run submitted", applogger.String("run_id", st.RunID))
	c.Response().Header().Set(echo.HeaderLocation, "/api/runs/"+st.RunID)
	return xhttp.AcceptedResponse(c, st)
}

func (h *RunsHandler) Status(c echo.Context) error {
	st, err := h.runs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "status", err)
	}
	// the result is served by /result
	st.Result = nil
	return xhttp.SuccessResponse(c, st)
}

// Result returns the stored result document of a finished run.
func (h *RunsHandler) Result(c echo.Context) error {
	st, err := h.runs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "result", err)
	}
	if st.Result == nil {
		return h.fail(c, "result", models.ErrRunActive)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=300")
	return xhttp.SuccessResponse(c, st.Result)
}

func (h *RunsHandler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.runs.Cancel(id); err != nil {
		return h.fail(c, "cancel", err)
	}
	h.logger.Info("run cancel requested", applogger.String("run_id", id))
	return xhttp.AcceptedResponse(c, map[string]string{"runId": id})
}

func (h *RunsHandler) fail(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest):
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("%v", err).WithError(err))
	case errors.Is(err, models.ErrRunNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("run %s not found", c.Param("id")).WithParam("run_id", c.Param("id")))
	case errors.Is(err, models.ErrRunActive):
		return xhttp.AppErrorResponse(c, xhttp.ConflictErrorf("run %s has not finished", c.Param("id")).WithParam("run_id", c.Param("id")))
	case errors.Is(err, usecase.ErrTooManyRuns):
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError(err.Error()))
	case errors.Is(err, usecase.ErrShutdown):
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_UNAVAILABLE", "", err.Error(), http.StatusServiceUnavailable))
	}
	h.logger.Error("runs "+op+" failed", applogger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.InternalErrorf("%s failed", op).WithError(err))
}
