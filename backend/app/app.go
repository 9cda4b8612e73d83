package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "bilibililivetools/livetts/backend/api/handlers"
	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/router"
	"bilibililivetools/livetts/backend/service/maintenance"
	"bilibililivetools/livetts/backend/store"
)

type App struct {
	*core
	cfg         config.Config
	maintenance *maintenance.Service
	server      *http.Server
	apiHandler  http.Handler
	routes      []router.Route
	openapiJSON []byte
}

func New(cfgManager *config.Manager) (*App, error) {
	c, err := newCore(cfgManager, true)
	if err != nil {
		return nil, err
	}
	cfg := cfgManager.Current()
	httpapi.SetLogger(c.logger.Named("http"))

	maintenanceSvc := maintenance.New(c.store, cfg.RetentionDays, c.logger.Named("maintenance"))
	maintenanceSvc.OnFinish(func(job maintenance.JobStatus) {
		level := store.LevelInfo
		if job.Status == "failed" {
			level = store.LevelWarn
		}
		c.hub.Notify(level, "maintenance", fmt.Sprintf("%s job %s %s: %s", job.Type, job.ID, job.Status, job.Message))
	})
	cfgManager.AddListener(func(newCfg config.Config) {
		maintenanceSvc.SetRetentionDays(newCfg.RetentionDays)
	})

	deps := &router.Dependencies{
		Config:      cfg,
		ConfigMgr:   cfgManager,
		Store:       c.store,
		Bilibili:    c.bilibili,
		Reader:      c.reader,
		Hub:         c.hub,
		Maintenance: maintenanceSvc,
		Logger:      c.logger.Named("http"),
	}
	apiHandler, routes := router.Build(deps)
	openapi, err := buildOpenAPISpec(routes)
	if err != nil {
		_ = c.close()
		return nil, err
	}

	app := &App{
		core:        c,
		cfg:         cfg,
		maintenance: maintenanceSvc,
		apiHandler:  apiHandler,
		routes:      routes,
		openapiJSON: openapi,
	}
	app.server = &http.Server{
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           app.mainMux(),
	}
	return app, nil
}

func (a *App) mainMux() http.Handler {
	metricsHandler := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean(r.URL.Path)
		if clean == "." {
			clean = "/"
		}

		switch {
		case strings.HasPrefix(clean, a.cfg.APIBase+"/") || clean == a.cfg.APIBase:
			a.apiHandler.ServeHTTP(w, r)
		case clean == "/metrics":
			metricsHandler.ServeHTTP(w, r)
		case clean == "/openapi.json":
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(a.openapiJSON)
		case clean == "/":
			httpapi.OK(w, a.RouteList())
		default:
			http.NotFound(w, r)
		}
	})
}

func (a *App) Run() error {
	a.cfgManager.StartWatching()
	a.reader.Start()
	a.maintenance.Start()
	go a.autoConnect(context.Background())
	a.logger.Named("app").Infof("livetts listening on %s", a.cfg.ListenAddr)
	return a.server.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.cfgManager.StopWatching()
	a.maintenance.Stop()
	shutdownErr := a.server.Shutdown(ctx)
	closeErr := a.core.close()
	if shutdownErr != nil {
		return shutdownErr
	}
	return closeErr
}

func buildOpenAPISpec(routes []router.Route) ([]byte, error) {
	paths := map[string]map[string]any{}
	for _, rt := range routes {
		method := strings.ToLower(rt.Method)
		if _, ok := paths[rt.Pattern]; !ok {
			paths[rt.Pattern] = map[string]any{}
		}
		envelope := map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/ResultEnvelope"},
			},
		}
		operation := map[string]any{
			"summary":     rt.Summary,
			"description": rt.Description,
			"operationId": buildOperationID(method, rt.Pattern),
			"tags":        []string{deriveRouteTag(rt.Pattern)},
			"responses": map[string]any{
				"200":     map[string]any{"description": "Success", "content": envelope},
				"default": map[string]any{"description": "Error payload", "content": envelope},
			},
		}
		if method == "post" || method == "put" {
			jsonContent := map[string]any{"schema": map[string]any{"type": "object"}}
			if example := routeExample(method, rt.Pattern); example != nil {
				jsonContent["example"] = example
			}
			operation["requestBody"] = map[string]any{
				"required": false,
				"content":  map[string]any{"application/json": jsonContent},
			}
		}
		paths[rt.Pattern][method] = operation
	}
	spec := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       "livetts API",
			"version":     "0.1.0",
			"description": "Control API for the live-room reader: room session, speech queue, config, QR login and maintenance.",
		},
		"servers": []map[string]any{{"url": "/"}},
		"paths":   paths,
		"components": map[string]any{
			"schemas": map[string]any{
				"ResultEnvelope": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"code":    map[string]any{"type": "integer", "example": 0},
						"message": map[string]any{"type": "string", "example": "Success"},
						"data":    map[string]any{"nullable": true},
					},
				},
			},
		},
	}
	return json.MarshalIndent(spec, "", "  ")
}

func buildOperationID(method string, pattern string) string {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, strings.ToLower(method))
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		segment = strings.Trim(segment, "{}")
		segment = strings.ReplaceAll(segment, "-", "_")
		parts = append(parts, segment)
	}
	return strings.Join(parts, "_")
}

func deriveRouteTag(pattern string) string {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	for idx, segment := range segments {
		if strings.HasPrefix(segment, "v") && idx+1 < len(segments) {
			return strings.ReplaceAll(segments[idx+1], "-", "_")
		}
	}
	if len(segments) >= 2 {
		return strings.ReplaceAll(segments[1], "-", "_")
	}
	return strings.ReplaceAll(segments[0], "-", "_")
}

func routeExample(method string, pattern string) map[string]any {
	key := strings.ToUpper(method) + " " + pattern
	switch key {
	case "POST /api/v1/room/connect":
		return map[string]any{"roomId": 21452505}
	case "POST /api/v1/speech/speak":
		return map[string]any{"text": "欢迎来到直播间"}
	case "PUT /api/v1/config":
		return map[string]any{
			"roomIds":                []int64{21452505},
			"continuousGiftInterval": 3,
			"templates":              map[string]any{"danmaku": "{uname}说：{msg}"},
			"tts":                    map[string]any{"mode": "azure", "azure": map[string]any{"region": "eastasia", "key": "******"}},
		}
	case "POST /api/v1/maintenance/cleanup":
		return map[string]any{"days": 7, "vacuum": true}
	default:
		return nil
	}
}

func (a *App) RouteList() []router.Route {
	items := make([]router.Route, len(a.routes))
	copy(items, a.routes)
	return items
}
