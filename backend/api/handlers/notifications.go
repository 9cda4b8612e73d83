package handlers

import (
	"net/http"
	"strings"

	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
	"bilibililivetools/livetts/backend/store"
)

type notificationModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &notificationModule{deps: deps}
	})
}

func (m *notificationModule) Prefix() string {
	return m.deps.Config.APIBase
}

func (m *notificationModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/notifications", Summary: "List persisted notifications", Description: "Query: limit, level.", Handler: m.notifications},
		{Method: http.MethodGet, Pattern: "/bilibili/errors", Summary: "List failed discovery requests", Description: "Query: limit, endpoint.", Handler: m.apiErrors},
	}
}

func (m *notificationModule) notifications(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Error(w, -1, "store not available", http.StatusOK)
		return
	}
	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 100)
	level := store.NotificationLevel(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("level"))))
	items, err := m.deps.Store.ListNotifications(r.Context(), limit, level)
	if err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, items)
}

func (m *notificationModule) apiErrors(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Error(w, -1, "store not available", http.StatusOK)
		return
	}
	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 100)
	items, err := m.deps.Store.ListBilibiliAPIErrorLogs(r.Context(), limit, r.URL.Query().Get("endpoint"))
	if err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, items)
}
