package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"push-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and the domains the proxy serves.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"proxy_domain": h.cfg.Proxy.Domain,
		"main_domain":  h.cfg.Proxy.MainDomain,
		"sdk_host":     h.cfg.Upstream.SDKHost,
		"api_host":     h.cfg.Upstream.APIHost,
		"image_host":   h.cfg.Upstream.ImageHost,
	})
}
