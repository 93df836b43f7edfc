package middleware

import (
	"github.com/labstack/echo/v4"

	"push-proxy-go/internal/model"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and adds security headers to responses.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range model.HopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Set before the handler runs; headers are frozen once the status is written.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
