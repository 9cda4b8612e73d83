package handlers

import (
	"net/http"
	"runtime"
	"time"

	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
)

type healthModule struct {
	deps    *router.Dependencies
	started time.Time
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &healthModule{deps: deps, started: time.Now()}
	})
}

func (m *healthModule) Prefix() string {
	return m.deps.Config.APIBase
}

func (m *healthModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/health", Summary: "Health check", Handler: m.health},
		{Method: http.MethodGet, Pattern: "/capabilities", Summary: "Capability manifest", Handler: m.capabilities},
	}
}

func (m *healthModule) health(w http.ResponseWriter, r *http.Request) {
	type payload struct {
		Status     string `json:"status"`
		Now        string `json:"now"`
		Uptime     string `json:"uptime"`
		GoVersion  string `json:"goVersion"`
		Goroutines int    `json:"goroutines"`
	}
	httpapi.OK(w, payload{
		Status:     "ok",
		Now:        time.Now().Format(time.RFC3339),
		Uptime:     time.Since(m.started).Round(time.Second).String(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
	})
}

func (m *healthModule) capabilities(w http.ResponseWriter, r *http.Request) {
	type capability struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	httpapi.OK(w, []capability{
		{Name: "room.reader", Description: "Live room connection with automatic reconnect"},
		{Name: "speech.local", Description: "Speak through a local TTS command"},
		{Name: "speech.azure", Description: "Azure Speech REST synthesis"},
		{Name: "speech.alibaba", Description: "Aliyun NLS RESTful synthesis"},
		{Name: "speech.sovits", Description: "GPT-SoVITS HTTP synthesis"},
		{Name: "account.qrcode", Description: "QR-code login storing the session cookie"},
		{Name: "live.stream", Description: "WebSocket feed of status, events and notifications"},
		{Name: "maintenance.cleanup", Description: "Retention cleanup and VACUUM jobs"},
	})
}
