package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"toolgate/internal/config"
	"toolgate/internal/registry"
	"toolgate/internal/session"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	registry *registry.Registry
	tracker  *session.Tracker
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, reg *registry.Registry, tracker *session.Tracker, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, registry: reg, tracker: tracker, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information, including which tools have
// been used recently.
func (h *HealthHandler) Status(c echo.Context) error {
	sessions := h.tracker.Entries()
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"mount_prefix":    h.cfg.Gateway.MountPrefix,
		"tools":           h.registry.Len(),
		"active_sessions": len(sessions),
		"sessions":        sessions,
	})
}
