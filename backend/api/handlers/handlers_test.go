package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/router"
	"bilibililivetools/livetts/backend/service/bilibili"
	"bilibililivetools/livetts/backend/service/notify"
	"bilibililivetools/livetts/backend/service/reader"
	"bilibililivetools/livetts/backend/store"
)

type testEnv struct {
	server *httptest.Server
	deps   *router.Dependencies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	mgr, err := config.NewManagerAt(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	cfg := mgr.Current()
	cfg.SessionCookie = "SESSDATA=abc"
	cfg.RoomIDs = nil
	cfg, err = mgr.Save(cfg)
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(dir, "livetts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := notify.NewHub(db, nil)
	t.Cleanup(hub.Close)
	rd := reader.New(reader.Options{Config: cfg, Hub: hub, Recorder: db})
	t.Cleanup(rd.Shutdown)

	deps := &router.Dependencies{
		Config:    cfg,
		ConfigMgr: mgr,
		Store:     db,
		Bilibili:  bilibili.New(bilibili.Options{}),
		Reader:    rd,
		Hub:       hub,
	}
	handler, _ := router.Build(deps)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testEnv{server: server, deps: deps}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) call(t *testing.T, method string, path string, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.call(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Zero(t, body.Code)
	assert.Contains(t, string(body.Data), `"status":"ok"`)
}

func TestSpeakAndClear(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.call(t, http.MethodPost, "/api/v1/speech/speak", `{"text":"你好"}`)
	require.Zero(t, body.Code)
	assert.Equal(t, 1, env.deps.Reader.Queue().Len())

	status, _ := env.call(t, http.MethodPost, "/api/v1/speech/speak", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, status)

	_, body = env.call(t, http.MethodPost, "/api/v1/speech/clear", "")
	assert.JSONEq(t, `{"cleared":1}`, string(body.Data))
	assert.Zero(t, env.deps.Reader.Queue().Len())
}

func TestConnectWithoutRoomIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.call(t, http.MethodPost, "/api/v1/room/connect", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, -400, body.Code)

	_, body = env.call(t, http.MethodGet, "/api/v1/room/status", "")
	assert.Contains(t, string(body.Data), `"state":"idle"`)
}

func TestConfigIsRedactedAndPatched(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.call(t, http.MethodGet, "/api/v1/config", "")
	assert.Contains(t, string(body.Data), `"sessionCookie":"******"`)
	assert.NotContains(t, string(body.Data), "SESSDATA=abc")

	_, body = env.call(t, http.MethodPut, "/api/v1/config", `{"sessionCookie":"******","templates":{"danmaku":"{uname}: {msg}"},"continuousGiftInterval":5}`)
	require.Zero(t, body.Code, body.Message)

	current := env.deps.ConfigMgr.Current()
	assert.Equal(t, "SESSDATA=abc", current.SessionCookie)
	assert.Equal(t, "{uname}: {msg}", current.Templates.Danmaku)
	assert.InDelta(t, 5.0, current.ContinuousGiftInterval, 1e-9)

	status, _ := env.call(t, http.MethodPut, "/api/v1/config", `{"notAField":1}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestNotificationsAreListed(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Hub.Notify(store.LevelWarn, "speech", "backend failed")

	var items []store.Notification
	require.Eventually(t, func() bool {
		_, body := env.call(t, http.MethodGet, "/api/v1/notifications?level=warn", "")
		if body.Code != 0 || json.Unmarshal(body.Data, &items) != nil {
			return false
		}
		return len(items) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "backend failed", items[0].Message)
}

func TestLiveStreamAndRecent(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Hub.Publish(notify.Message{Type: notify.TypeStatus, Payload: "idle"})

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/live/stream?replay=5"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var replayed notify.Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, notify.TypeStatus, replayed.Type)

	require.Eventually(t, func() bool { return env.deps.Hub.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
	env.deps.Hub.Publish(notify.Message{Type: notify.TypeEvent, Kind: "danmaku"})
	var live notify.Message
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, notify.TypeEvent, live.Type)
	assert.Equal(t, "danmaku", live.Kind)

	_, body := env.call(t, http.MethodGet, "/api/v1/live/recent?limit=10", "")
	var recent []notify.Message
	require.NoError(t, json.Unmarshal(body.Data, &recent))
	assert.Len(t, recent, 2)
}
