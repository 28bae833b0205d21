package pipeline

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/domain/lineage"
	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/platform/auth"
)

// Handler accepts submissions and lets operators rerun single stages.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	submit := api.Group("", auth.RequireRole(auth.RoleSender, auth.RoleOperator))
	submit.POST("/reports", h.Submit)

	ops := api.Group("/reports/:id", auth.RequireRole(auth.RoleOperator))
	ops.POST("/convert", h.Convert)
	ops.POST("/route", h.Route)
	ops.POST("/translate", h.Translate)
	ops.POST("/batch", h.Batch)
	ops.POST("/send", h.Send)
}

// Submit runs the request body through every stage. The sender is taken
// from the "client" header, falling back to the sender query parameter.
func (h *Handler) Submit(c echo.Context) error {
	sender := c.Request().Header.Get("client")
	if sender == "" {
		sender = c.QueryParam("sender")
	}
	if sender == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client header is required")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty submission")
	}
	res, err := h.engine.Process(c.Request().Context(), Submission{Sender: sender, Body: body})
	if err != nil {
		if res != nil && res.Submission != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{"error": err.Error(), "result": res})
		}
		return stageError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func stageError(err error) error {
	var ce *filter.ConfigurationError
	var se *schema.SchemaError
	switch {
	case errors.Is(err, ErrUnknownSender), errors.Is(err, ErrNoItems), errors.Is(err, ErrWrongStage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, lineage.ErrReportNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case schema.IsTransient(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &ce), errors.As(err, &se), errors.Is(err, schema.ErrSchemaNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Convert(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.Convert(c.Request().Context(), id)
	if err != nil {
		return stageError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Route(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.Route(c.Request().Context(), id)
	if err != nil {
		return stageError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Translate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.Translate(c.Request().Context(), id)
	if err != nil {
		return stageError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Batch(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.Batch(c.Request().Context(), id)
	if err != nil {
		return stageError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"data": res})
}

func (h *Handler) Send(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.engine.Send(c.Request().Context(), id)
	if err != nil {
		return stageError(err)
	}
	return c.JSON(http.StatusCreated, res)
}
