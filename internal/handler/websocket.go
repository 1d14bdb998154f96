package handler

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"toolgate/internal/model"
)

// upgrader keeps gorilla's default origin check: the embedded page is served
// from the gateway's own origin.
var upgrader = websocket.Upgrader{}

// relayWebSocket connects to the tool's websocket endpoint, upgrades the
// client and pumps messages both ways until either side closes.
func (h *GatewayHandler) relayWebSocket(c echo.Context, gr *model.GatewayRequest) error {
	upstream, err := h.service.DialWebSocket(c.Request().Context(), gr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = upstream.Close() }()

	var respHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	client, err := upgrader.Upgrade(c.Response(), c.Request(), respHeader)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Warn("websocket upgrade failed", "tool", gr.ToolID, "err", err)
		return nil
	}
	defer func() { _ = client.Close() }()

	h.logger.Debug("websocket relay open", "tool", gr.ToolID, "sub_path", gr.SubPath)

	errChan := make(chan error, 2)
	go func() { errChan <- h.pump(client, upstream, gr.ToolID, "client->upstream") }()
	go func() { errChan <- h.pump(upstream, client, gr.ToolID, "upstream->client") }()

	// Either direction ending tears down both; the deferred closes unblock
	// the other pump.
	err = <-errChan
	if err != nil && !isNormalClose(err) {
		h.logger.Info("websocket relay ended", "tool", gr.ToolID, "err", err)
	}
	h.logger.Debug("websocket relay closed", "tool", gr.ToolID)
	return nil
}

// pump copies messages from src to dst. A close frame from src is passed on
// to dst before returning.
func (h *GatewayHandler) pump(src, dst *websocket.Conn, toolID, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				msg := websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				if closeErr.Code == websocket.CloseNoStatusReceived {
					msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				}
				_ = dst.WriteMessage(websocket.CloseMessage, msg)
			}
			return err
		}

		h.tracker.Touch(toolID)
		if err := dst.WriteMessage(messageType, message); err != nil {
			h.logger.Debug("websocket write failed", "tool", toolID, "direction", direction, "err", err)
			return err
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
