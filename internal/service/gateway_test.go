package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"toolgate/internal/client"
	"toolgate/internal/config"
	"toolgate/internal/model"
	"toolgate/internal/registry"
)

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{MountPrefix: "/tools"},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:            10,
			LongRunningTimeoutSeconds: 600,
			IdleConnections:           10,
		},
	}
}

func mustTool(t *testing.T, id, origin string) model.ToolDescriptor {
	t.Helper()
	u, err := url.Parse(origin)
	if err != nil {
		t.Fatalf("parse %q: %v", origin, err)
	}
	return model.ToolDescriptor{ID: id, Name: id, Origin: u, AccessType: model.AccessIframe}
}

func newTestGateway(t *testing.T, cfg *config.Config, tools ...model.ToolDescriptor) *Gateway {
	t.Helper()
	reg, err := registry.New(tools)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGateway(reg, client.NewUpstreamClient(cfg, logger, nil), cfg, logger)
}

func TestBuildRequestHeaders(t *testing.T) {
	cfg := testConfig()
	tool := mustTool(t, "panel1", "https://panel.example.com/app")
	tool.Credentials = &model.Credentials{Username: "admin", Password: "secret", APIKey: "k-123"}
	g := newTestGateway(t, cfg, tool)

	src := http.Header{
		"Accept":            {"text/html"},
		"Accept-Encoding":   {"gzip, br"},
		"Authorization":     {"Bearer browser-token"},
		"Connection":        {"keep-alive, X-Hop"},
		"X-Hop":             {"1"},
		"Cookie":            {"sid=abc"},
		"Origin":            {"https://dash.example.com"},
		"Referer":           {"https://dash.example.com/tools/panel1/proxy/settings?tab=2"},
		"X-Real-Ip":         {"1.2.3.4"},
		"X-Forwarded-For":   {"1.2.3.4, 5.6.7.8"},
		"X-Forwarded-Proto": {"https"},
		"Forwarded":         {"for=1.2.3.4"},
		"Content-Length":    {"12"},
		"Upgrade":           {"h2c"},
	}

	dst := g.buildRequestHeaders(src, tool, g.Mapper(tool))

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"Accept forwarded", "Accept", "text/html"},
		{"Cookie forwarded", "Cookie", "sid=abc"},
		{"Authorization replaced", "Authorization", "Basic YWRtaW46c2VjcmV0"},
		{"API key injected", "X-Api-Key", "k-123"},
		{"Origin points at upstream", "Origin", "https://panel.example.com"},
		{"Referer points at upstream", "Referer", "https://panel.example.com/settings?tab=2"},
		{"Accept-Encoding stripped", "Accept-Encoding", ""},
		{"Connection stripped", "Connection", ""},
		{"Connection-listed header stripped", "X-Hop", ""},
		{"X-Real-Ip stripped", "X-Real-Ip", ""},
		{"X-Forwarded-For stripped", "X-Forwarded-For", ""},
		{"X-Forwarded-Proto stripped", "X-Forwarded-Proto", ""},
		{"Forwarded stripped", "Forwarded", ""},
		{"Content-Length stripped", "Content-Length", ""},
		{"Upgrade stripped", "Upgrade", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dst.Get(tt.key); got != tt.want {
				t.Errorf("header %q = %q, want %q", tt.key, got, tt.want)
			}
		})
	}

	if src.Get("Authorization") != "Bearer browser-token" {
		t.Error("buildRequestHeaders modified the source header")
	}
}

func TestTimeoutFor(t *testing.T) {
	cfg := testConfig()
	tool := mustTool(t, "panel1", "https://panel.example.com")
	tool.LongRunningPaths = []string{"/api/backup"}
	g := newTestGateway(t, cfg, tool)

	tests := []struct {
		subPath string
		want    time.Duration
	}{
		{"/api/backup/run", 600 * time.Second},
		{"/api/backup", 600 * time.Second},
		{"api/backup/run", 600 * time.Second},
		{"/api/status", 10 * time.Second},
		{"", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.subPath, func(t *testing.T) {
			if got := g.timeoutFor(tool, tt.subPath); got != tt.want {
				t.Errorf("timeoutFor(%q) = %v, want %v", tt.subPath, got, tt.want)
			}
		})
	}
}

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/items" {
			t.Errorf("path = %q, want /api/items", r.URL.Path)
		}
		if r.URL.RawQuery != "page=2" {
			t.Errorf("query = %q, want page=2", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"x"}` {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(), mustTool(t, "panel1", upstream.URL+"/ui/"))

	resp, err := g.Forward(context.Background(), &model.GatewayRequest{
		ToolID:   "panel1",
		SubPath:  "/api/items",
		RawQuery: "page=2",
		Method:   http.MethodPost,
		Header:   http.Header{"Content-Type": {"application/json"}},
		Body:     []byte(`{"name":"x"}`),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"result":"ok"}`)
	}
}

func TestForward_EmptySubPathUsesOrigin(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ui/" {
			t.Errorf("path = %q, want /ui/", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(), mustTool(t, "panel1", upstream.URL+"/ui/"))

	resp, err := g.Forward(context.Background(), &model.GatewayRequest{ToolID: "panel1", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()
}

func TestForward_PassesRedirectsThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(), mustTool(t, "panel1", upstream.URL))

	resp, err := g.Forward(context.Background(), &model.GatewayRequest{ToolID: "panel1", SubPath: "/login", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/dashboard" {
		t.Errorf("Location = %q, want /dashboard", loc)
	}
}

func TestForward_UnknownTool(t *testing.T) {
	g := newTestGateway(t, testConfig(), mustTool(t, "panel1", "http://127.0.0.1:1"))

	_, err := g.Forward(context.Background(), &model.GatewayRequest{ToolID: "nope", Method: http.MethodGet})
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Forward() error = %v, want ErrToolNotFound", err)
	}
}

func TestForward_LinkOnlyTool(t *testing.T) {
	tool := mustTool(t, "grafana", "http://127.0.0.1:1")
	tool.AccessType = model.AccessLink
	g := newTestGateway(t, testConfig(), tool)

	_, err := g.Forward(context.Background(), &model.GatewayRequest{ToolID: "grafana", Method: http.MethodGet})
	if !errors.Is(err, ErrToolNotEmbeddable) {
		t.Errorf("Forward() error = %v, want ErrToolNotEmbeddable", err)
	}
}

func TestForward_Unreachable(t *testing.T) {
	g := newTestGateway(t, testConfig(), mustTool(t, "panel1", "http://127.0.0.1:1"))

	_, err := g.Forward(context.Background(), &model.GatewayRequest{ToolID: "panel1", SubPath: "/", Method: http.MethodGet})
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("Forward() error = %v, want ErrUpstreamUnreachable", err)
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	cfg := testConfig()
	g := newTestGateway(t, cfg, mustTool(t, "panel1", upstream.URL))
	g.cfg.Upstream.TimeoutSeconds = 1

	start := time.Now()
	_, err := g.Forward(context.Background(), &model.GatewayRequest{ToolID: "panel1", SubPath: "/slow", Method: http.MethodGet})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("Forward() error = %v, want ErrUpstreamTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Forward() took %v, want about 1s", elapsed)
	}
}

func TestForward_HTMLBodyTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	g := newTestGateway(t, cfg, mustTool(t, "panel1", upstream.URL))

	resp, err := g.Forward(context.Background(), &model.GatewayRequest{ToolID: "panel1", SubPath: "/", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, err = io.ReadAll(resp.Body)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("ReadAll() error = %v, want ErrUpstreamTimeout", err)
	}
}

func TestForward_ClientCanceled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(), mustTool(t, "panel1", upstream.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Forward(ctx, &model.GatewayRequest{ToolID: "panel1", SubPath: "/", Method: http.MethodGet})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Forward() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("client cancellation misreported as %v", err)
	}
}

func TestProbe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
			t.Errorf("BasicAuth = %q/%q/%v", user, pass, ok)
		}
		w.Header().Set("X-Frame-Options", "DENY")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tool := mustTool(t, "panel1", upstream.URL)
	tool.Credentials = &model.Credentials{Username: "admin", Password: "secret"}
	g := newTestGateway(t, testConfig(), tool)

	res, err := g.Probe(context.Background(), "panel1")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !res.Reachable || res.Status != http.StatusOK {
		t.Errorf("Probe() = %+v, want reachable with 200", res)
	}
	if res.SupportsIframe {
		t.Error("SupportsIframe = true, want false for X-Frame-Options: DENY")
	}
}

func TestProbe_Unreachable(t *testing.T) {
	tool := mustTool(t, "grafana", "http://127.0.0.1:1")
	tool.AccessType = model.AccessLink
	g := newTestGateway(t, testConfig(), tool)

	res, err := g.Probe(context.Background(), "grafana")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if res.Reachable {
		t.Error("Reachable = true, want false")
	}
	if res.Error == "" {
		t.Error("Error is empty, want a description")
	}

	if _, err := g.Probe(context.Background(), "nope"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Probe(unknown) error = %v, want ErrToolNotFound", err)
	}
}

func TestFramingAllowed(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{"no headers", http.Header{}, true},
		{"deny", http.Header{"X-Frame-Options": {"DENY"}}, false},
		{"sameorigin lower case", http.Header{"X-Frame-Options": {"sameorigin"}}, false},
		{"frame-ancestors self", http.Header{"Content-Security-Policy": {"default-src 'self'; frame-ancestors 'self'"}}, false},
		{"frame-ancestors wildcard", http.Header{"Content-Security-Policy": {"frame-ancestors *"}}, true},
		{"unrelated csp", http.Header{"Content-Security-Policy": {"default-src 'self'"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := framingAllowed(tt.header); got != tt.want {
				t.Errorf("framingAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyCredentials_NilIsNoop(t *testing.T) {
	h := http.Header{"Authorization": {"Bearer x"}}
	applyCredentials(h, nil)
	if !strings.HasPrefix(h.Get("Authorization"), "Bearer") {
		t.Errorf("Authorization = %q, want untouched", h.Get("Authorization"))
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://panel.example.com/hub?id=1", "ws://panel.example.com/hub?id=1"},
		{"https://panel.example.com/hub", "wss://panel.example.com/hub"},
		{"ws://already", "ws://already"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := websocketURL(tt.in); got != tt.want {
				t.Errorf("websocketURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDialWebSocket_Unreachable(t *testing.T) {
	g := newTestGateway(t, testConfig(), mustTool(t, "panel1", "http://127.0.0.1:1"))

	_, err := g.DialWebSocket(context.Background(), &model.GatewayRequest{ToolID: "panel1", SubPath: "/hub", Header: http.Header{}})
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("DialWebSocket() error = %v, want ErrUpstreamUnreachable", err)
	}
}
