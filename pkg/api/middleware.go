package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/graph"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requireTenant rejects requests without a well-formed X-Sibyl-Tenant header.
// Handlers re-read the header via tenantID; the middleware only guarantees it
// is present and valid.
func (s *Server) requireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(graph.TenantHeader)
		if id == "" {
			return echo.NewHTTPError(http.StatusBadRequest, graph.TenantHeader+" header is required")
		}
		if !graph.ValidTenantID(id) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant id")
		}
		return next(c)
	}
}

// tenantID returns the tenant resolved by requireTenant.
func tenantID(c *echo.Context) string {
	return c.Request().Header.Get(graph.TenantHeader)
}
