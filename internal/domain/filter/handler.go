package filter

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labroute/internal/platform/auth"
)

// Handler previews filter decisions for ad hoc rows.
type Handler struct {
	router *Router
}

func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/filters", auth.RequireRole(auth.RoleOperator, auth.RoleSender))
	g.GET("/catalog", h.Catalog)
	g.POST("/evaluate", h.Evaluate)
}

type catalogResponse struct {
	Version   string   `json:"version"`
	Functions []string `json:"functions"`
	Topics    []string `json:"topics"`
}

func (h *Handler) Catalog(c echo.Context) error {
	return c.JSON(http.StatusOK, catalogResponse{
		Version:   h.router.Registry().Version(),
		Functions: h.router.Registry().Names(),
		Topics:    h.router.Defaults().Topics(),
	})
}

type evaluateRequest struct {
	Organization         string              `json:"organization"`
	Receiver             string              `json:"receiver"`
	Topic                string              `json:"topic"`
	OrganizationFilters  Set                 `json:"organizationFilters"`
	ReceiverFilters      Set                 `json:"receiverFilters"`
	ReverseQualityFilter bool                `json:"reverseTheQualityFilter"`
	TrackingColumn       string              `json:"trackingColumn"`
	Rows                 []map[string]string `json:"rows"`
}

type evaluateResponse struct {
	Filters Set          `json:"filters"`
	Kept    []int        `json:"kept"`
	Dropped int          `json:"dropped"`
	Audit   []AuditEntry `json:"audit"`
}

func (h *Handler) Evaluate(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	if req.Organization == "" || req.Receiver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organization and receiver are required")
	}
	table, err := FromRecords(req.Rows, req.TrackingColumn)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	d, err := h.router.Evaluate(Target{
		Organization:         req.Organization,
		Receiver:             req.Receiver,
		Topic:                req.Topic,
		OrganizationFilters:  req.OrganizationFilters,
		ReceiverFilters:      req.ReceiverFilters,
		ReverseQualityFilter: req.ReverseQualityFilter,
	}, table)
	if ce, ok := AsConfigurationError(err); ok {
		return c.JSON(http.StatusUnprocessableEntity, ce)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	kept := d.Indices()
	return c.JSON(http.StatusOK, evaluateResponse{
		Filters: d.Filters,
		Kept:    kept,
		Dropped: table.Len() - len(kept),
		Audit:   d.Audit,
	})
}
