package handlers

import (
	"net/http"
	"strings"

	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
)

type speechModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &speechModule{deps: deps}
	})
}

func (m *speechModule) Prefix() string {
	return m.deps.Config.APIBase + "/speech"
}

func (m *speechModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/status", Summary: "Speech queue status", Handler: m.status},
		{Method: http.MethodPost, Pattern: "/speak", Summary: "Enqueue ad-hoc text", Handler: m.speak},
		{Method: http.MethodPost, Pattern: "/clear", Summary: "Drop pending utterances", Handler: m.clear},
	}
}

func (m *speechModule) status(w http.ResponseWriter, r *http.Request) {
	queue := m.deps.Reader.Queue()
	httpapi.OK(w, map[string]any{
		"stats":   queue.Stats(),
		"pending": queue.Pending(),
	})
}

func (m *speechModule) speak(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		httpapi.Error(w, -1, "text is required", http.StatusBadRequest)
		return
	}
	if !m.deps.Reader.Speak(text) {
		httpapi.Error(w, -1, "speech queue is closed", http.StatusServiceUnavailable)
		return
	}
	httpapi.OK(w, m.deps.Reader.Queue().Stats())
}

func (m *speechModule) clear(w http.ResponseWriter, r *http.Request) {
	cleared := m.deps.Reader.Queue().Clear()
	httpapi.OK(w, map[string]int{"cleared": cleared})
}
