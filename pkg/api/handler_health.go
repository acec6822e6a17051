package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/database"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz. Unauthenticated and tenant-free: only
// Sibyl's own components are probed. A dead listener degrades rather than
// fails the pod because REST keeps working without live events.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	degrade := func(to string) {
		if status == healthStatusHealthy || to == healthStatusUnhealthy {
			status = to
		}
	}

	if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		degrade(healthStatusUnhealthy)
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if err := s.entities.Driver().Ping(reqCtx); err != nil {
		degrade(healthStatusUnhealthy)
		checks["graph"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["graph"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.listener != nil {
		if s.listener.Healthy() {
			checks["listener"] = HealthCheck{Status: healthStatusHealthy}
		} else {
			degrade(healthStatusDegraded)
			checks["listener"] = HealthCheck{Status: healthStatusDegraded, Message: "not connected"}
		}
	}

	if s.workerPool != nil {
		poolHealth := s.workerPool.Health()
		if poolHealth != nil && !poolHealth.IsHealthy {
			degrade(healthStatusDegraded)
			msg := poolHealth.DBError
			if msg == "" {
				msg = healthStatusUnhealthy
			}
			checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: msg}
		} else {
			checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{Status: status, Checks: checks})
}
