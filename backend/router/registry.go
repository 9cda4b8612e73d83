package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/service/bilibili"
	"bilibililivetools/livetts/backend/service/maintenance"
	"bilibililivetools/livetts/backend/service/notify"
	"bilibililivetools/livetts/backend/service/reader"
	"bilibililivetools/livetts/backend/store"
)

type Dependencies struct {
	Config      config.Config
	ConfigMgr   *config.Manager
	Store       *store.Store
	Bilibili    *bilibili.Client
	Reader      *reader.Reader
	Hub         *notify.Hub
	Maintenance *maintenance.Service
	Logger      *zap.SugaredLogger
}

// CurrentConfig prefers the live manager snapshot over the startup copy.
func (d *Dependencies) CurrentConfig() config.Config {
	if d.ConfigMgr != nil {
		return d.ConfigMgr.Current()
	}
	return d.Config
}

type Route struct {
	Method      string
	Pattern     string
	Summary     string
	Description string
	Handler     http.HandlerFunc
}

type Module interface {
	Prefix() string
	Routes() []Route
}

type Factory func(*Dependencies) Module

var (
	registryMu sync.Mutex
	registry   []Factory
)

func Register(factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, factory)
}

func Build(deps *Dependencies) (http.Handler, []Route) {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpapi.CORS(deps.Config.AllowOrigin))
	r.Use(httpapi.Logging)
	r.Use(httpapi.TokenRequired(func() string {
		return deps.CurrentConfig().APITokenHash
	}, deps.Config.APIBase))

	routes := make([]Route, 0, 32)
	modules := instantiateModules(deps)
	for _, mod := range modules {
		prefix := normalizePrefix(mod.Prefix())
		for _, rt := range mod.Routes() {
			method := strings.ToUpper(strings.TrimSpace(rt.Method))
			path := normalizePath(prefix, rt.Pattern)
			bind(r, method, path, rt.Handler)
			routes = append(routes, Route{
				Method:      method,
				Pattern:     path,
				Summary:     rt.Summary,
				Description: rt.Description,
			})
		}
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Pattern == routes[j].Pattern {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Pattern < routes[j].Pattern
	})
	return r, routes
}

func instantiateModules(deps *Dependencies) []Module {
	registryMu.Lock()
	defer registryMu.Unlock()
	modules := make([]Module, 0, len(registry))
	for _, factory := range registry {
		modules = append(modules, factory(deps))
	}
	return modules
}

func bind(r chi.Router, method string, path string, handler http.HandlerFunc) {
	switch method {
	case http.MethodGet:
		r.Get(path, handler)
	case http.MethodPost:
		r.Post(path, handler)
	case http.MethodPut:
		r.Put(path, handler)
	default:
		r.MethodFunc(method, path, handler)
	}
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}

func normalizePath(prefix string, pattern string) string {
	if pattern == "" || pattern == "/" {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	return prefix + pattern
}
