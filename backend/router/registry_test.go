package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/httpapi"
)

type pingModule struct {
	prefix string
}

func (m pingModule) Prefix() string { return m.prefix }

func (m pingModule) Routes() []Route {
	return []Route{
		{Method: "put", Pattern: "ping", Summary: "Ping", Handler: func(w http.ResponseWriter, r *http.Request) {
			httpapi.OKMessage(w, "pong")
		}},
		{Method: http.MethodGet, Pattern: "", Summary: "Root", Handler: func(w http.ResponseWriter, r *http.Request) {
			httpapi.OK(w, "root")
		}},
	}
}

func TestBuildBindsRegisteredModules(t *testing.T) {
	Register(func(deps *Dependencies) Module {
		return pingModule{prefix: deps.Config.APIBase + "/test/"}
	})
	handler, routes := Build(&Dependencies{Config: config.Config{APIBase: "/api/v1"}})

	require.Len(t, routes, 2)
	assert.Equal(t, "/api/v1/test", routes[0].Pattern)
	assert.Equal(t, http.MethodGet, routes[0].Method)
	assert.Equal(t, "/api/v1/test/ping", routes[1].Pattern)
	assert.Equal(t, http.MethodPut, routes[1].Method)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/test/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/test/ping", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", normalizePath("", ""))
	assert.Equal(t, "/api", normalizePath("/api", "/"))
	assert.Equal(t, "/api/x", normalizePath("/api", "x"))
	assert.Equal(t, "/api", normalizePrefix("api/"))
}
