package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"toolgate/internal/registry"
	"toolgate/internal/resolver"
	"toolgate/internal/service"
)

// toolView is the public description of a tool. Credentials are never exposed.
type toolView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	AccessType string `json:"access_type"`
	Embeddable bool   `json:"embeddable"`
	ProxyPath  string `json:"proxy_path,omitempty"`
}

// ToolsHandler lists configured tools and probes their reachability.
type ToolsHandler struct {
	registry    *registry.Registry
	service     *service.Gateway
	mountPrefix string
	logger      *slog.Logger
}

// NewToolsHandler creates a ToolsHandler.
func NewToolsHandler(reg *registry.Registry, svc *service.Gateway, mountPrefix string, logger *slog.Logger) *ToolsHandler {
	return &ToolsHandler{
		registry:    reg,
		service:     svc,
		mountPrefix: mountPrefix,
		logger:      logger.With("component", "tools_handler"),
	}
}

// List returns every configured tool, sorted by ID.
func (h *ToolsHandler) List(c echo.Context) error {
	tools := h.registry.List()
	views := make([]toolView, 0, len(tools))
	for _, t := range tools {
		v := toolView{
			ID:         t.ID,
			Name:       t.Name,
			URL:        t.Origin.Redacted(),
			AccessType: t.AccessType,
			Embeddable: t.Embeddable(),
		}
		if v.Embeddable {
			v.ProxyPath = resolver.GatewayBase(h.mountPrefix, t.ID) + "/"
		}
		views = append(views, v)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tools": views,
	})
}

// Test probes the tool's origin and reports status, latency and whether the
// upstream would allow framing on its own.
func (h *ToolsHandler) Test(c echo.Context) error {
	res, err := h.service.Probe(c.Request().Context(), c.Param("toolId"))
	if err != nil {
		if errors.Is(err, service.ErrToolNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "tool not found",
			})
		}
		h.logger.Error("tool probe", "err", sanitizeError(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "probe failed",
		})
	}
	if res.Error != "" {
		res.Error = sanitizeError(errors.New(res.Error))
	}
	return c.JSON(http.StatusOK, res)
}
