package handler

import (
	"errors"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"push-proxy-go/internal/config"
	"push-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Every path not claimed by health or metrics goes to the proxy.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	local := map[string]bool{
		"/healthz":      true,
		"/proxy/status": true,
	}

	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		local[cfg.Metrics.Path] = true
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)

	// Any only registers echo's own method list; PURGE, LINK and the like
	// come back from the router as 405 and are proxied here instead.
	e.Use(forwardUnroutedMethods(proxy, local))
}

func forwardUnroutedMethods(proxy *ProxyHandler, local map[string]bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if !errors.Is(err, echo.ErrMethodNotAllowed) || c.Response().Committed || local[c.Request().URL.Path] {
				return err
			}
			c.Response().Header().Del(echo.HeaderAllow)
			return proxy.Handle(c)
		}
	}
}
