package settings

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/platform/auth"
)

// Handler serves the loaded organization settings read-only.
type Handler struct {
	settings *Settings
	router   *filter.Router
}

func NewHandler(s *Settings, router *filter.Router) *Handler {
	return &Handler{settings: s, router: router}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/settings", auth.RequireRole(auth.RoleOperator))
	g.GET("/organizations", h.ListOrganizations)
	g.GET("/receivers/:name", h.GetReceiver)
}

func (h *Handler) ListOrganizations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.settings.Organizations)
}

type receiverResponse struct {
	Name             string     `json:"name"`
	Receiver         *Receiver  `json:"receiver"`
	EffectiveFilters filter.Set `json:"effectiveFilters"`
}

// GetReceiver returns a receiver with the filters it ends up with after
// inheriting from its organization and topic.
func (h *Handler) GetReceiver(c echo.Context) error {
	r, err := h.settings.Receiver(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	t := r.Target()
	set, err := h.router.Defaults().Resolve(t.Topic, t.OrganizationFilters, t.ReceiverFilters)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, receiverResponse{Name: r.FullName(), Receiver: r, EffectiveFilters: set})
}
