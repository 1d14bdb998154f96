// Package transform rewrites upstream responses so they render and keep
// working inside the dashboard iframe.
package transform

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/metrics"
	"toolgate/internal/model"
	"toolgate/internal/resolver"
)

// Transformer applies header, redirect and HTML rewriting to upstream
// responses. It holds no per-request state and is safe for concurrent use.
type Transformer struct {
	formTimeout time.Duration
	longTimeout time.Duration
	maxHTML     int64
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Transformer. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Transformer {
	return &Transformer{
		formTimeout: time.Duration(cfg.Gateway.FormReloadTimeoutMS) * time.Millisecond,
		longTimeout: cfg.Upstream.LongRunningTimeout(),
		maxHTML:     cfg.Gateway.HTMLMaxBytes,
		logger:      logger.With("component", "transformer"),
		metrics:     m,
	}
}

// Response is an upstream response ready to be written to the client.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.Reader
}

// Transform prepares resp for the client under m's base.
//
// HTML documents are read fully, up to the configured limit, and rewritten;
// an error reading them is returned before anything is written. Documents
// over the limit and documents that fail to rewrite are passed through
// unmodified. Everything else is streamed as is. The caller still owns and
// must close resp.Body.
func (t *Transformer) Transform(resp *model.UpstreamResponse, m *resolver.Mapper) (*Response, error) {
	header := SanitizeHeaders(resp.Header, m)
	RewriteRedirect(resp.StatusCode, header, m)

	body := bufio.NewReader(resp.Body)
	out := &Response{StatusCode: resp.StatusCode, Header: header, Body: body}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		if sniffed := SniffContentType(body); sniffed != "" {
			contentType = sniffed
			header.Set("Content-Type", sniffed)
		}
	}
	if !IsHTML(contentType) {
		stopDeadline(resp.Body)
		return out, nil
	}

	buf, err := io.ReadAll(io.LimitReader(body, t.maxHTML+1))
	if err != nil {
		return nil, fmt.Errorf("read html body: %w", err)
	}
	if len(buf) == 0 {
		out.Body = bytes.NewReader(buf)
		return out, nil
	}
	if int64(len(buf)) > t.maxHTML {
		t.record(metrics.RewriteOversize)
		t.logger.Warn("html document over rewrite limit, passing through",
			"upstream", resp.UpstreamURL,
			"limit", t.maxHTML,
		)
		stopDeadline(resp.Body)
		out.Body = io.MultiReader(bytes.NewReader(buf), body)
		return out, nil
	}

	rewritten, err := t.RewriteHTML(buf, contentType, m)
	if err != nil {
		t.record(metrics.RewriteFallback)
		t.logger.Warn("html rewrite failed, passing through",
			"upstream", resp.UpstreamURL,
			"error", err,
		)
		out.Body = bytes.NewReader(buf)
		return out, nil
	}

	t.record(metrics.RewriteOK)
	header.Set("Content-Type", MediaType(contentType)+"; charset=utf-8")
	out.Body = bytes.NewReader(rewritten)
	return out, nil
}

// stopDeadline lifts the upstream timeout from a body that is about to be
// streamed, when the body supports it.
func stopDeadline(body io.Reader) {
	if d, ok := body.(interface{ StopDeadline() }); ok {
		d.StopDeadline()
	}
}

func (t *Transformer) record(outcome string) {
	if t.metrics != nil {
		t.metrics.HTMLRewrites.WithLabelValues(outcome).Inc()
	}
}
