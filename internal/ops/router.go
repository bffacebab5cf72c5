package ops

import "github.com/labstack/echo/v4"

// Router is implemented by every handler exposed on the ops listener.
type Router interface {
	// SetupRoutes registers the handler's routes with the Echo instance
	SetupRoutes(e *echo.Echo)
}
