package handlers

import (
	"net/http"

	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
)

type accountModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &accountModule{deps: deps}
	})
}

func (m *accountModule) Prefix() string {
	return m.deps.Config.APIBase + "/account"
}

func (m *accountModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/status", Summary: "Get login status", Handler: m.status},
		{Method: http.MethodPost, Pattern: "/qrcode", Summary: "Start QR login", Description: "Returns the QR code as a PNG data URL.", Handler: m.startQRCode},
		{Method: http.MethodGet, Pattern: "/qrcode", Summary: "Poll QR login", Description: "On success the session cookie is saved into config.", Handler: m.pollQRCode},
	}
}

func (m *accountModule) status(w http.ResponseWriter, r *http.Request) {
	account, err := m.deps.Bilibili.Account(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, account)
}

func (m *accountModule) startQRCode(w http.ResponseWriter, r *http.Request) {
	status, err := m.deps.Bilibili.StartQRLogin(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, status)
}

func (m *accountModule) pollQRCode(w http.ResponseWriter, r *http.Request) {
	status, err := m.deps.Bilibili.PollQRLogin(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	httpapi.OK(w, status)
}
