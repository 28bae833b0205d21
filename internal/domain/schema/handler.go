package schema

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labroute/internal/platform/auth"
)

// Handler exposes schema resolution over HTTP so that configuration authors
// can check a schema before deploying it.
type Handler struct {
	resolver *Resolver
	cache    *Cache
}

func NewHandler(resolver *Resolver, cache *Cache) *Handler {
	return &Handler{resolver: resolver, cache: cache}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/schemas", auth.RequireRole(auth.RoleOperator))
	g.POST("/validate", h.Validate)
	g.GET("/resolved", h.GetResolved)
	g.DELETE("/cache", h.InvalidateCache)
}

type validateRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type validateResponse struct {
	Valid      bool        `json:"valid"`
	Schema     string      `json:"schema"`
	Revision   string      `json:"revision,omitempty"`
	Elements   int         `json:"elements"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`
}

// Validate resolves the schema from the source, bypassing the cache, and
// reports every violation.
func (h *Handler) Validate(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	kind, err := ParseKind(req.Kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s, err := h.resolver.Resolve(c.Request().Context(), req.Name, kind)
	if se, ok := AsSchemaError(err); ok {
		return c.JSON(http.StatusUnprocessableEntity, validateResponse{
			Schema:     se.Schema,
			Violations: se.Violations,
		})
	}
	if err != nil {
		return resolveError(err)
	}
	n := 0
	s.Walk(func(string, *Element, int) { n++ })
	return c.JSON(http.StatusOK, validateResponse{
		Valid:    true,
		Schema:   s.URI,
		Revision: s.Revision,
		Elements: n,
		Warnings: s.Warnings,
	})
}

// GetResolved returns the flattened schema tree, served from the cache.
func (h *Handler) GetResolved(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	kind, err := ParseKind(c.QueryParam("kind"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.cache.Get(c.Request().Context(), name, kind)
	if se, ok := AsSchemaError(err); ok {
		return c.JSON(http.StatusUnprocessableEntity, validateResponse{Schema: se.Schema, Violations: se.Violations})
	}
	if err != nil {
		return resolveError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) InvalidateCache(c echo.Context) error {
	h.cache.Invalidate()
	return c.NoContent(http.StatusNoContent)
}

func resolveError(err error) error {
	switch {
	case errors.Is(err, ErrSchemaNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case IsTransient(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
