package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"toolgate/internal/config"
	"toolgate/internal/model"
	"toolgate/internal/registry"
	"toolgate/internal/session"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, nil, nil, "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, config.StatusPath, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	reg, err := registry.New([]model.ToolDescriptor{
		mustTool(t, "a", "https://a.example.com", ""),
		mustTool(t, "b", "https://b.example.com", model.AccessLink),
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	tracker := session.NewTracker(time.Hour, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	tracker.Touch("a")

	cfg := &config.Config{Gateway: config.GatewayConfig{MountPrefix: "/tools"}}
	h := NewHealthHandler(cfg, reg, tracker, "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Status         string `json:"status"`
		Version        string `json:"version"`
		MountPrefix    string `json:"mount_prefix"`
		Tools          int    `json:"tools"`
		ActiveSessions int    `json:"active_sessions"`
		Sessions       []struct {
			ToolID       string    `json:"tool_id"`
			LastActivity time.Time `json:"last_activity"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("body.status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if body.MountPrefix != "/tools" {
		t.Errorf("body.mount_prefix = %q, want %q", body.MountPrefix, "/tools")
	}
	if body.Tools != 2 || body.ActiveSessions != 1 {
		t.Errorf("tools = %d, active_sessions = %d; want 2, 1", body.Tools, body.ActiveSessions)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ToolID != "a" || body.Sessions[0].LastActivity.IsZero() {
		t.Errorf("sessions = %+v, want one entry for tool a with its last activity", body.Sessions)
	}
}
