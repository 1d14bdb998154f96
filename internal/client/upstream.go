// Package client provides the pooled HTTP client used to reach tool upstreams.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"toolgate/internal/config"
	"toolgate/internal/metrics"
	"toolgate/internal/model"
)

// Upstream error kinds recorded by the upstream_errors metric.
const (
	KindTimeout     = "timeout"
	KindCanceled    = "canceled"
	KindUnreachable = "unreachable"
)

// UpstreamClient sends requests to tool upstreams. One client is shared by
// all tools; connections are pooled per host by the transport.
type UpstreamClient struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// Redirects are never followed: the gateway hands them to the browser after
// rewriting. There is no client-wide timeout; callers bound each request
// through its context. The metrics parameter is optional.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	var tlsConfig *tls.Config
	if cfg.Upstream.InsecureSkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed lab appliances
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       tlsConfig,
		DialContext:           dialer.DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			NetDialContext:   dialer.DialContext,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  tlsConfig,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes req against the upstream of toolID and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request, toolID string) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"tool", toolID,
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(toolID, method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(toolID, ErrorKind(req.Context(), err)).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(toolID, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(toolID, method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		UpstreamURL: req.URL.String(),
	}, nil
}

// DoStream builds and executes a request. The provided context controls the
// lifetime of the upstream request, including reading the body.
func (c *UpstreamClient) DoStream(ctx context.Context, toolID, method, url string, header http.Header, body io.Reader) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}

	return c.Do(req, toolID)
}

// DialWebSocket opens a websocket to an upstream ws:// or wss:// URL using the
// same TLS policy as plain requests. The handshake response is returned when
// available so callers can report the upstream status.
func (c *UpstreamClient) DialWebSocket(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, fmt.Errorf("dial upstream websocket: %w", err)
	}
	return conn, resp, nil
}

// ErrorKind classifies a failed upstream call for metrics and logs.
func ErrorKind(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), context.Canceled) {
			return KindCanceled
		}
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}
