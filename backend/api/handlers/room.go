package handlers

import (
	"net/http"

	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
)

type roomModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &roomModule{deps: deps}
	})
}

func (m *roomModule) Prefix() string {
	return m.deps.Config.APIBase + "/room"
}

func (m *roomModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/status", Summary: "Connection state, room ids and popularity", Handler: m.status},
		{Method: http.MethodPost, Pattern: "/connect", Summary: "Connect to a room", Description: "Body {roomId}; defaults to the first configured room.", Handler: m.connect},
		{Method: http.MethodPost, Pattern: "/close", Summary: "Close the room session", Handler: m.close},
		{Method: http.MethodGet, Pattern: "/sessions", Summary: "List recorded connection sessions", Handler: m.sessions},
	}
}

func (m *roomModule) status(w http.ResponseWriter, r *http.Request) {
	httpapi.OK(w, m.deps.Reader.Status())
}

func (m *roomModule) connect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID int64 `json:"roomId"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RoomID <= 0 {
		if ids := m.deps.CurrentConfig().RoomIDs; len(ids) > 0 {
			req.RoomID = ids[0]
		}
	}
	if err := m.deps.Reader.Connect(r.Context(), req.RoomID); err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, m.deps.Reader.Status())
}

func (m *roomModule) close(w http.ResponseWriter, r *http.Request) {
	m.deps.Reader.Close()
	httpapi.OK(w, m.deps.Reader.Status())
}

func (m *roomModule) sessions(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Error(w, -1, "store not available", http.StatusOK)
		return
	}
	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 50)
	items, err := m.deps.Store.ListConnectionSessions(r.Context(), limit)
	if err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, items)
}
