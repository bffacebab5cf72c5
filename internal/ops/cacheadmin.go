package ops

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zep-us/cacheproxy/pkg/logger"
)

// CacheClearer is the slice of the scheduler the admin surface needs.
type CacheClearer interface {
	ClearCache() error
}

// CacheAdminHandler lets operators empty the response cache at runtime.
type CacheAdminHandler struct {
	cache CacheClearer
}

// NewCacheAdminHandler creates a CacheAdminHandler over the given cache.
func NewCacheAdminHandler(cache CacheClearer) *CacheAdminHandler {
	return &CacheAdminHandler{cache: cache}
}

// HandleClear handles DELETE /cache.
func (h *CacheAdminHandler) HandleClear(c echo.Context) error {
	if err := h.cache.ClearCache(); err != nil {
		logger.Error("cache clear via ops endpoint failed: %v", err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// SetupRoutes registers the admin routes.
func (h *CacheAdminHandler) SetupRoutes(e *echo.Echo) {
	e.DELETE("/cache", h.HandleClear)
}
