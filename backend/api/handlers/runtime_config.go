package handlers

import (
	"net/http"
	"strings"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
)

const redactedMask = "******"

type runtimeConfigModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &runtimeConfigModule{deps: deps}
	})
}

func (m *runtimeConfigModule) Prefix() string {
	return m.deps.Config.APIBase
}

func (m *runtimeConfigModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/config", Summary: "Get runtime config", Description: "Credentials are redacted.", Handler: m.getConfig},
		{Method: http.MethodPut, Pattern: "/config", Summary: "Save runtime config and hot reload", Description: "Fields left out keep their value; redacted values are kept as stored.", Handler: m.saveConfig},
		{Method: http.MethodPost, Pattern: "/config/reload", Summary: "Reload config from file", Handler: m.reloadConfig},
	}
}

func (m *runtimeConfigModule) getConfig(w http.ResponseWriter, r *http.Request) {
	if m.deps.ConfigMgr == nil {
		httpapi.Error(w, -1, "config manager not available", http.StatusOK)
		return
	}
	cfg := m.deps.ConfigMgr.Current()
	httpapi.OK(w, map[string]any{
		"config":         cfg.Redacted(),
		"configFile":     cfg.ConfigFile,
		"hotReloadNotes": runtimeHotReloadNotes(),
	})
}

func (m *runtimeConfigModule) saveConfig(w http.ResponseWriter, r *http.Request) {
	if m.deps.ConfigMgr == nil {
		httpapi.Error(w, -1, "config manager not available", http.StatusOK)
		return
	}
	oldCfg := m.deps.ConfigMgr.Current()
	nextCfg, err := decodeConfigPatch(r, oldCfg)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	saved, err := m.deps.ConfigMgr.Save(nextCfg)
	if err != nil {
		fail(w, err)
		return
	}
	restartFields := restartRequiredChangedFields(oldCfg, saved)
	httpapi.OK(w, map[string]any{
		"config":          saved.Redacted(),
		"configFile":      saved.ConfigFile,
		"requiresRestart": len(restartFields) > 0,
		"restartFields":   restartFields,
	})
}

func (m *runtimeConfigModule) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if m.deps.ConfigMgr == nil {
		httpapi.Error(w, -1, "config manager not available", http.StatusOK)
		return
	}
	oldCfg := m.deps.ConfigMgr.Current()
	cfg, err := m.deps.ConfigMgr.ReloadFromDisk()
	if err != nil {
		fail(w, err)
		return
	}
	restartFields := restartRequiredChangedFields(oldCfg, cfg)
	httpapi.OK(w, map[string]any{
		"config":          cfg.Redacted(),
		"configFile":      cfg.ConfigFile,
		"requiresRestart": len(restartFields) > 0,
		"restartFields":   restartFields,
	})
}

// decodeConfigPatch decodes the body over base, so absent fields keep their
// current value. Secrets sent back in redacted form are restored.
func decodeConfigPatch(r *http.Request, base config.Config) (config.Config, error) {
	next := base
	next.RoomIDs = nil
	next.BlacklistUsers = nil
	next.BlacklistWords = nil
	if err := httpapi.DecodeJSON(r, &next); err != nil {
		return base, err
	}
	if next.RoomIDs == nil {
		next.RoomIDs = base.RoomIDs
	}
	if next.BlacklistUsers == nil {
		next.BlacklistUsers = base.BlacklistUsers
	}
	if next.BlacklistWords == nil {
		next.BlacklistWords = base.BlacklistWords
	}
	keep := func(value *string, stored string) {
		if strings.TrimSpace(*value) == redactedMask {
			*value = stored
		}
	}
	keep(&next.SessionCookie, base.SessionCookie)
	keep(&next.APITokenHash, base.APITokenHash)
	keep(&next.TTS.Azure.Key, base.TTS.Azure.Key)
	keep(&next.TTS.Alibaba.Token, base.TTS.Alibaba.Token)
	next.ConfigFile = base.ConfigFile
	return next, nil
}

func restartRequiredChangedFields(oldCfg config.Config, newCfg config.Config) []string {
	result := make([]string, 0, 6)
	appendIfChanged := func(name string, oldValue string, newValue string) {
		if strings.TrimSpace(oldValue) != strings.TrimSpace(newValue) {
			result = append(result, name)
		}
	}
	appendIfChanged("listenAddr", oldCfg.ListenAddr, newCfg.ListenAddr)
	appendIfChanged("apiBase", oldCfg.APIBase, newCfg.APIBase)
	appendIfChanged("dataDir", oldCfg.DataDir, newCfg.DataDir)
	appendIfChanged("dbPath", oldCfg.DBPath, newCfg.DBPath)
	appendIfChanged("allowOrigin", oldCfg.AllowOrigin, newCfg.AllowOrigin)
	if oldCfg.HeartbeatSec != newCfg.HeartbeatSec {
		result = append(result, "heartbeatSec")
	}
	return result
}

func runtimeHotReloadNotes() []string {
	return []string{
		"Templates, speak toggles, blacklists, gift interval and welcome level apply to the next event.",
		"TTS mode and backend settings rebuild the backend; queued text is kept.",
		"Reconnect policy applies to the next reconnect attempt.",
		"sessionCookie, apiRatePerSec and logging apply immediately.",
		"listenAddr, apiBase, dataDir, dbPath, allowOrigin and heartbeatSec need a restart.",
	}
}
