package handler

import (
	"strings"

	"github.com/labstack/echo/v4"

	"toolgate/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, mountPrefix string, gateway *GatewayHandler, tools *ToolsHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET(config.StatusPath, health.Status)

	mount := strings.TrimSuffix(mountPrefix, "/")
	e.GET(mount, tools.List)
	e.GET(mount+"/:toolId/test", tools.Test)

	e.Any(mount+"/:toolId/proxy", gateway.Handle)
	e.Any(mount+"/:toolId/proxy/*", gateway.Handle)
}
