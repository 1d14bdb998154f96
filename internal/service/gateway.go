// Package service implements the upstream forwarding logic of the gateway.
package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"toolgate/internal/client"
	"toolgate/internal/config"
	"toolgate/internal/model"
	"toolgate/internal/registry"
	"toolgate/internal/resolver"
	"toolgate/internal/transform"
)

var (
	// ErrToolNotFound is returned for tool IDs missing from the registry.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolNotEmbeddable is returned for tools configured as link-only.
	ErrToolNotEmbeddable = errors.New("tool is not embeddable")
	// ErrUpstreamUnreachable is returned when no upstream response was received.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamTimeout is returned when the per-request deadline elapsed.
	ErrUpstreamTimeout = errors.New("upstream timed out")
)

const probeTimeout = 10 * time.Second

// hopByHopHeaders are connection-scoped and never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// droppedRequestHeaders describe the gateway hop rather than the browser.
// Accept-Encoding is left to the transport so bodies arrive decompressed.
var droppedRequestHeaders = []string{
	"Host",
	"Forwarded",
	"X-Real-Ip",
	"Accept-Encoding",
	"Content-Length",
}

// Gateway forwards browser requests to tool upstreams.
type Gateway struct {
	registry *registry.Registry
	client   *client.UpstreamClient
	cfg      *config.Config
	logger   *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(reg *registry.Registry, c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: reg,
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "gateway_service"),
	}
}

// Tool returns the descriptor for an embeddable tool.
func (g *Gateway) Tool(toolID string) (model.ToolDescriptor, error) {
	tool, ok := g.registry.Lookup(toolID)
	if !ok {
		return model.ToolDescriptor{}, fmt.Errorf("%w: %q", ErrToolNotFound, toolID)
	}
	if !tool.Embeddable() {
		return model.ToolDescriptor{}, fmt.Errorf("%w: %q has access type %q", ErrToolNotEmbeddable, toolID, tool.AccessType)
	}
	return tool, nil
}

// Mapper returns the URL mapper for tool under the configured mount prefix.
func (g *Gateway) Mapper(tool model.ToolDescriptor) *resolver.Mapper {
	return resolver.NewMapper(g.cfg.Gateway.MountPrefix, tool)
}

// Forward sends gr to the tool's upstream and returns the raw response.
// The caller must close the response body.
//
// The request is bounded by the tool's timeout. For HTML and untyped
// responses the deadline stays armed while the body is read, since the
// document may be buffered for rewriting before anything reaches the client.
// The returned body offers StopDeadline for callers that end up streaming it.
// Other bodies only have the wait for response headers bounded.
func (g *Gateway) Forward(ctx context.Context, gr *model.GatewayRequest) (*model.UpstreamResponse, error) {
	tool, err := g.Tool(gr.ToolID)
	if err != nil {
		return nil, err
	}

	target := resolver.Resolve(tool, gr.SubPath, gr.RawQuery)
	header := g.buildRequestHeaders(gr.Header, tool, g.Mapper(tool))
	timeout := g.timeoutFor(tool, gr.SubPath)

	var body io.Reader = http.NoBody
	if len(gr.Body) > 0 {
		body = bytes.NewReader(gr.Body)
	}

	g.logger.Debug("forwarding request",
		"tool", tool.ID,
		"method", gr.Method,
		"sub_path", gr.SubPath,
		"timeout", timeout,
	)

	reqCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(ErrUpstreamTimeout) })

	resp, err := g.client.DoStream(reqCtx, tool.ID, gr.Method, target, header, body)
	if err != nil {
		timer.Stop()
		cause := context.Cause(reqCtx)
		cancel(nil)
		switch {
		case errors.Is(cause, ErrUpstreamTimeout):
			return nil, fmt.Errorf("%w: %s after %s", ErrUpstreamTimeout, tool.ID, timeout)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("forward to upstream: %w", ctx.Err())
		default:
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, tool.ID, err)
		}
	}

	// Untyped bodies may be sniffed as HTML and buffered too.
	if resp.ContentType != "" && !transform.IsHTML(resp.ContentType) {
		timer.Stop()
	}
	resp.Body = &boundBody{
		ReadCloser: resp.Body,
		ctx:        reqCtx,
		stop:       func() { timer.Stop() },
		release: func() {
			timer.Stop()
			cancel(nil)
		},
	}
	return resp, nil
}

// websocketHeaders are the browser headers carried on an upstream websocket
// handshake. gorilla/websocket generates the rest itself.
var websocketHeaders = []string{
	"Cookie",
	"User-Agent",
	"Accept-Language",
	"Sec-Websocket-Protocol",
}

// DialWebSocket opens the upstream side of a websocket relay for gr. The
// handshake is bounded by the tool's timeout; the connection is not.
func (g *Gateway) DialWebSocket(ctx context.Context, gr *model.GatewayRequest) (*websocket.Conn, error) {
	tool, err := g.Tool(gr.ToolID)
	if err != nil {
		return nil, err
	}

	target := websocketURL(resolver.Resolve(tool, gr.SubPath, gr.RawQuery))
	header := make(http.Header)
	for _, key := range websocketHeaders {
		if vals := gr.Header.Values(key); len(vals) > 0 {
			header[key] = vals
		}
	}
	header.Set("Origin", g.Mapper(tool).Origin())
	applyCredentials(header, tool.Credentials)

	timeout := g.timeoutFor(tool, gr.SubPath)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := g.client.DialWebSocket(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("dial upstream websocket: %w", ctx.Err())
		case dialCtx.Err() != nil:
			return nil, fmt.Errorf("%w: %s websocket after %s", ErrUpstreamTimeout, tool.ID, timeout)
		default:
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, tool.ID, err)
		}
	}
	return conn, nil
}

// websocketURL swaps an http(s) URL for its ws(s) equivalent.
func websocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + u[len("https://"):]
	case strings.HasPrefix(u, "http://"):
		return "ws://" + u[len("http://"):]
	}
	return u
}

// Probe issues a GET to the tool's configured origin and reports how it
// answered. Unlike Forward it accepts link-only tools.
func (g *Gateway) Probe(ctx context.Context, toolID string) (*model.ProbeResult, error) {
	tool, ok := g.registry.Lookup(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, toolID)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	header := make(http.Header)
	applyCredentials(header, tool.Credentials)

	result := &model.ProbeResult{ToolID: tool.ID}
	start := time.Now()
	resp, err := g.client.DoStream(ctx, tool.ID, http.MethodGet, tool.Origin.String(), header, nil)
	result.ResponseTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		g.logger.Info("tool probe failed", "tool", tool.ID, "error", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	result.Reachable = true
	result.Status = resp.StatusCode
	result.SupportsIframe = framingAllowed(resp.Header)
	return result, nil
}

// buildRequestHeaders copies the browser's headers minus those describing
// the gateway hop, points Origin and Referer at the upstream and injects the
// tool's credentials.
func (g *Gateway) buildRequestHeaders(src http.Header, tool model.ToolDescriptor, m *resolver.Mapper) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}
	for _, key := range droppedRequestHeaders {
		dst.Del(key)
	}
	for key := range dst {
		if strings.HasPrefix(key, "X-Forwarded-") {
			delete(dst, key)
		}
	}

	if dst.Get("Origin") != "" {
		dst.Set("Origin", m.Origin())
	}
	if ref := dst.Get("Referer"); ref != "" {
		dst.Set("Referer", m.UpstreamReferer(ref))
	}

	applyCredentials(dst, tool.Credentials)
	return dst
}

// timeoutFor picks the long-running timeout when subPath falls under one of
// the tool's long-running prefixes.
func (g *Gateway) timeoutFor(tool model.ToolDescriptor, subPath string) time.Duration {
	p := subPath
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, prefix := range tool.LongRunningPaths {
		if strings.HasPrefix(p, prefix) {
			return g.cfg.Upstream.LongRunningTimeout()
		}
	}
	return g.cfg.Upstream.Timeout()
}

// applyCredentials replaces whatever authorization the browser sent with the
// tool's configured credentials.
func applyCredentials(h http.Header, creds *model.Credentials) {
	if creds == nil {
		return
	}
	if creds.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
		h.Set("Authorization", "Basic "+token)
	}
	if creds.APIKey != "" {
		h.Set("X-Api-Key", creds.APIKey)
	}
}

// framingAllowed reports whether the upstream would render in a cross-origin
// iframe without the gateway's header rewriting.
func framingAllowed(h http.Header) bool {
	switch strings.ToUpper(strings.TrimSpace(h.Get("X-Frame-Options"))) {
	case "DENY", "SAMEORIGIN":
		return false
	}
	for _, csp := range h.Values("Content-Security-Policy") {
		for _, d := range strings.Split(csp, ";") {
			name, value, _ := strings.Cut(strings.TrimSpace(d), " ")
			if strings.EqualFold(name, "frame-ancestors") && strings.TrimSpace(value) != "*" {
				return false
			}
		}
	}
	return true
}

// boundBody ties the upstream request context to the response body: Close
// releases it, and reads that fail because the deadline fired report
// ErrUpstreamTimeout.
type boundBody struct {
	io.ReadCloser
	ctx     context.Context
	stop    func()
	release func()
}

// StopDeadline disarms the timeout for the rest of the body. It is called
// once the body is known to be streamed rather than buffered.
func (b *boundBody) StopDeadline() {
	b.stop()
}

func (b *boundBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && errors.Is(context.Cause(b.ctx), ErrUpstreamTimeout) {
		return n, fmt.Errorf("read upstream body: %w", ErrUpstreamTimeout)
	}
	return n, err
}

func (b *boundBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
