package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = 25 * time.Second
)

type liveDataModule struct {
	deps     *router.Dependencies
	upgrader websocket.Upgrader
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &liveDataModule{
			deps: deps,
			upgrader: websocket.Upgrader{
				ReadBufferSize:  1024,
				WriteBufferSize: 4096,
				CheckOrigin: func(r *http.Request) bool {
					return deps.Config.AllowOrigin == "*" || r.Header.Get("Origin") == "" || r.Header.Get("Origin") == deps.Config.AllowOrigin
				},
			},
		}
	})
}

func (m *liveDataModule) Prefix() string {
	return m.deps.Config.APIBase + "/live"
}

func (m *liveDataModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/stream", Summary: "WebSocket status/event feed", Description: "Query: replay (number of recent messages sent first).", Handler: m.stream},
		{Method: http.MethodGet, Pattern: "/recent", Summary: "Recent status/event messages", Description: "Query: limit.", Handler: m.recent},
	}
}

func (m *liveDataModule) recent(w http.ResponseWriter, r *http.Request) {
	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 50)
	httpapi.OK(w, m.deps.Hub.Recent(limit))
}

func (m *liveDataModule) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()
	logger := m.deps.Logger
	messages, cancel := m.deps.Hub.Subscribe(256)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if replay := parseIntOrDefault(r.URL.Query().Get("replay"), 0); replay > 0 {
		for _, msg := range m.deps.Hub.Recent(replay) {
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				if logger != nil {
					logger.Debugf("live stream write failed: %v", err)
				}
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		}
	}
}
