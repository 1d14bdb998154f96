// Package model defines shared types for the gateway.
package model

import (
	"io"
	"net/http"
	"net/url"
	"time"
)

// Access types control whether a tool may be opened through the gateway.
const (
	AccessIframe = "iframe"
	AccessBoth   = "both"
	AccessLink   = "link"
)

// Credentials are injected by the gateway on every upstream request.
type Credentials struct {
	Username string
	Password string
	APIKey   string
}

// ToolDescriptor describes one embeddable third-party admin console.
type ToolDescriptor struct {
	ID               string
	Name             string
	Origin           *url.URL
	Credentials      *Credentials
	AccessType       string
	LongRunningPaths []string
}

// Embeddable reports whether the tool may be served inside the dashboard iframe.
func (t ToolDescriptor) Embeddable() bool {
	return t.AccessType == "" || t.AccessType == AccessIframe || t.AccessType == AccessBoth
}

// GatewayRequest is one inbound request addressed to a tool.
type GatewayRequest struct {
	ToolID   string
	SubPath  string
	RawQuery string
	Method   string
	Header   http.Header
	Body     []byte
}

// UpstreamResponse is the upstream answer to a GatewayRequest.
// Closing Body releases the upstream connection.
type UpstreamResponse struct {
	StatusCode  int
	Header      http.Header
	Body        io.ReadCloser
	ContentType string
	UpstreamURL string
}

// SessionEntry records the last time a tool was used through the gateway.
type SessionEntry struct {
	ToolID       string    `json:"tool_id"`
	LastActivity time.Time `json:"last_activity"`
}

// ProbeResult reports the outcome of a reachability test against a tool.
type ProbeResult struct {
	ToolID         string `json:"tool_id"`
	Reachable      bool   `json:"reachable"`
	Status         int    `json:"status,omitempty"`
	ResponseTimeMS int64  `json:"response_time"`
	SupportsIframe bool   `json:"supports_iframe"`
	Error          string `json:"error,omitempty"`
}
