package lineage

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labroute/internal/platform/auth"
	"github.com/ehr/labroute/pkg/pagination"
)

// Handler exposes the lineage graph for audit.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleOperator))
	read.GET("/reports/:id", h.GetReport)
	read.GET("/reports/:id/root", h.GetRoot)
	read.GET("/reports/:id/ancestors", h.GetAncestors)
	read.GET("/reports/:id/descendants", h.GetDescendants)
	read.GET("/deliveries", h.ListDeliveries)
}

func reportID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func lookupError(err error) error {
	if errors.Is(err, ErrReportNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetReport(c.Request().Context(), id)
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type rootResponse struct {
	ReportID        uuid.UUID           `json:"report_id"`
	Root            *Report             `json:"root"`
	Path            []uuid.UUID         `json:"path"`
	Inconsistencies []*ConsistencyError `json:"inconsistencies,omitempty"`
}

// GetRoot answers with a null root when the report is itself a submission.
func (h *Handler) GetRoot(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	w, err := h.svc.WalkToRoot(c.Request().Context(), id)
	if err != nil {
		return lookupError(err)
	}
	resp := rootResponse{ReportID: id, Path: w.Path, Inconsistencies: w.Inconsistencies}
	if w.Root.ID != id {
		resp.Root = w.Root
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetAncestors(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Ancestors(c.Request().Context(), id)
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) GetDescendants(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Descendants(c.Request().Context(), id)
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	receiver := c.QueryParam("receiver")
	if receiver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "receiver is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.DeliveryHistory(c.Request().Context(), receiver, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(c.Request().URL, items, total, pg))
}
