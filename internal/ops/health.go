package ops

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/atomic"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	readiness *atomic.Bool
}

// NewHealthHandler creates a HealthHandler around the shared readiness flag.
func NewHealthHandler(readiness *atomic.Bool) *HealthHandler {
	return &HealthHandler{readiness: readiness}
}

// HandleLiveness handles GET /healthz; it answers 200 as long as the
// process is up.
func (h *HealthHandler) HandleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// HandleReadiness handles GET /readyz; 200 while accepting traffic, 503
// once the drain window has started.
func (h *HealthHandler) HandleReadiness(c echo.Context) error {
	if h.readiness.Load() {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}

// SetupRoutes registers the probe routes.
func (h *HealthHandler) SetupRoutes(e *echo.Echo) {
	e.GET("/healthz", h.HandleLiveness)
	e.GET("/readyz", h.HandleReadiness)
}
