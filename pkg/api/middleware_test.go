package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/sibyl-dev/sibyl/pkg/graph"
)

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=()", rec.Header().Get("Permissions-Policy"))
}

func TestRequireTenant(t *testing.T) {
	s := &Server{}
	e := echo.New()
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, tenantID(c))
	}, s.requireTenant)

	tests := []struct {
		name       string
		tenant     string
		expectCode int
	}{
		{name: "missing header", tenant: "", expectCode: http.StatusBadRequest},
		{name: "uppercase rejected", tenant: "Acme", expectCode: http.StatusBadRequest},
		{name: "spaces rejected", tenant: "acme corp", expectCode: http.StatusBadRequest},
		{name: "valid tenant passes", tenant: "acme-corp_1", expectCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.tenant != "" {
				req.Header.Set(graph.TenantHeader, tt.tenant)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectCode, rec.Code)
			if tt.expectCode == http.StatusOK {
				assert.Equal(t, tt.tenant, rec.Body.String())
			}
		})
	}
}
