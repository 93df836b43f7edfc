package middleware

import (
	"github.com/labstack/echo/v4"

	"push-proxy-go/internal/metrics"
	"push-proxy-go/internal/model"
)

// routeLabel returns the label the proxy handler stored for this request,
// or a normalized path label for locally served endpoints.
func routeLabel(c echo.Context) string {
	if v, ok := c.Get(model.RouteContextKey).(string); ok && v != "" {
		return v
	}
	return metrics.NormalizePath(c.Request().URL.Path)
}
