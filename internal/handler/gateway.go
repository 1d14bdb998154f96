package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"toolgate/internal/model"
	"toolgate/internal/resolver"
	"toolgate/internal/service"
	"toolgate/internal/session"
	"toolgate/internal/transform"
)

// secretPattern matches credential-looking query parameters in URLs embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:api_?key|token|password|secret)=)[^&\s"]+`)

// GatewayHandler serves a tool's pages through the gateway.
type GatewayHandler struct {
	service     *service.Gateway
	transformer *transform.Transformer
	tracker     *session.Tracker
	mountPrefix string
	logger      *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(svc *service.Gateway, tr *transform.Transformer, tracker *session.Tracker, mountPrefix string, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		service:     svc,
		transformer: tr,
		tracker:     tracker,
		mountPrefix: mountPrefix,
		logger:      logger.With("component", "gateway_handler"),
	}
}

// Handle forwards the request to the tool's upstream and writes back the
// rewritten response. WebSocket upgrades are relayed instead.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()
	toolID := c.Param("toolId")

	tool, err := h.service.Tool(toolID)
	if err != nil {
		return h.mapError(c, err)
	}
	h.tracker.Touch(tool.ID)

	gr := &model.GatewayRequest{
		ToolID:   tool.ID,
		SubPath:  h.subPath(c, tool.ID),
		RawQuery: req.URL.RawQuery,
		Method:   req.Method,
		Header:   req.Header,
	}

	if websocket.IsWebSocketUpgrade(req) {
		return h.relayWebSocket(c, gr)
	}

	// BodyLimit bounds what can be read here.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}
	gr.Body = body

	resp, err := h.service.Forward(req.Context(), gr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := h.transformer.Transform(resp, h.service.Mapper(tool))
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range out.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(out.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}

	var dst io.Writer = c.Response()
	if transform.MediaType(out.Header.Get("Content-Type")) == "text/event-stream" {
		dst = flushWriter{c.Response()}
	}

	// The status is already sent, so a failed copy leaves the client with a
	// truncated body; log it and move on.
	if _, err := io.Copy(dst, out.Body); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) || req.Context().Err() != nil {
			level = slog.LevelDebug
		}
		h.logger.Log(req.Context(), level, "streaming response body",
			"err", sanitizeError(err),
			"tool", tool.ID,
			"path", req.URL.Path,
		)
	}

	return nil
}

// subPath returns the escaped part of the request path after the tool's
// gateway base. The bare base and base + "/" both address the tool's home
// page and yield "".
func (h *GatewayHandler) subPath(c echo.Context, toolID string) string {
	base := resolver.GatewayBase(h.mountPrefix, toolID)
	p := c.Request().URL.EscapedPath()
	sub := "/" + c.Param("*")
	if strings.HasPrefix(p, base) {
		sub = p[len(base):]
	}
	if sub == "/" {
		return ""
	}
	return sub
}

func (h *GatewayHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, service.ErrToolNotFound):
		h.logger.Info("unknown tool", "path", path)
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "tool not found",
		})

	case errors.Is(err, service.ErrToolNotEmbeddable):
		h.logger.Info("tool is link-only", "path", path)
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "tool cannot be embedded; open it directly",
		})

	case errors.Is(err, context.Canceled):
		h.logger.Debug("client disconnected", "path", path)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})

	case errors.Is(err, service.ErrUpstreamTimeout):
		h.logger.Error("upstream timeout", "err", sanitizeError(err), "path", path)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream request timed out",
		})

	case errors.Is(err, service.ErrUpstreamUnreachable):
		h.logger.Error("upstream unreachable", "err", sanitizeError(err), "path", path)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream unreachable",
		})
	}

	h.logger.Error("gateway error", "err", sanitizeError(err), "path", path)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "internal gateway error",
	})
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

// flushWriter pushes every write to the client, for event streams.
type flushWriter struct {
	w *echo.Response
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.w.Flush()
	return n, err
}
