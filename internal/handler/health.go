package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthCheck probes one dependency. Optional checks report "degraded"
// instead of failing the endpoint.
type HealthCheck struct {
	Name     string
	Optional bool
	Check    func(ctx context.Context) error
}

// Health serves GET /healthz. It returns 503 only when a required check
// fails.
func Health(checks ...HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		deps := make(map[string]string, len(checks))
		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				deps[hc.Name] = err.Error()
				if hc.Optional {
					if status == "ok" {
						status = "degraded"
					}
					continue
				}
				status, code = "unavailable", http.StatusServiceUnavailable
				continue
			}
			deps[hc.Name] = "ok"
		}
		return c.JSON(code, echo.Map{"status": status, "checks": deps})
	}
}
