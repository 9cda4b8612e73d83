package handlers

import (
	"net/http"
	"strings"

	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
	"bilibililivetools/livetts/backend/service/maintenance"
)

type maintenanceModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &maintenanceModule{deps: deps}
	})
}

func (m *maintenanceModule) Prefix() string {
	return m.deps.Config.APIBase + "/maintenance"
}

func (m *maintenanceModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/status", Summary: "Get maintenance runtime status", Description: "Query: historyLimit, type, status.", Handler: m.status},
		{Method: http.MethodPost, Pattern: "/cleanup", Summary: "Queue cleanup job", Handler: m.cleanupNow},
		{Method: http.MethodPost, Pattern: "/vacuum", Summary: "Queue vacuum job", Handler: m.vacuumNow},
	}
}

func (m *maintenanceModule) status(w http.ResponseWriter, r *http.Request) {
	if m.deps.Maintenance == nil {
		httpapi.Error(w, -1, "maintenance service not available", http.StatusOK)
		return
	}
	status, err := m.deps.Maintenance.Status(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	historyLimit := parseIntOrDefault(r.URL.Query().Get("historyLimit"), 40)
	typeFilter := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("type")))
	statusFilter := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("status")))
	filtered := make([]maintenance.JobStatus, 0, historyLimit)
	for _, item := range status.History {
		if typeFilter != "" && strings.ToLower(string(item.Type)) != typeFilter {
			continue
		}
		if statusFilter != "" && strings.ToLower(item.Status) != statusFilter {
			continue
		}
		filtered = append(filtered, item)
		if len(filtered) >= historyLimit {
			break
		}
	}
	status.History = filtered
	httpapi.OK(w, status)
}

func (m *maintenanceModule) cleanupNow(w http.ResponseWriter, r *http.Request) {
	if m.deps.Maintenance == nil {
		httpapi.Error(w, -1, "maintenance service not available", http.StatusOK)
		return
	}
	var req struct {
		Days   int  `json:"days"`
		Vacuum bool `json:"vacuum"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	jobID, err := m.deps.Maintenance.QueueCleanup(req.Days, req.Vacuum, "manual")
	if err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, map[string]any{
		"message": "queued",
		"jobId":   jobID,
		"days":    req.Days,
		"vacuum":  req.Vacuum,
	})
}

func (m *maintenanceModule) vacuumNow(w http.ResponseWriter, r *http.Request) {
	if m.deps.Maintenance == nil {
		httpapi.Error(w, -1, "maintenance service not available", http.StatusOK)
		return
	}
	jobID, err := m.deps.Maintenance.QueueVacuum("manual")
	if err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, map[string]any{
		"message": "queued",
		"jobId":   jobID,
	})
}
