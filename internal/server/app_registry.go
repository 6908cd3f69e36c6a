package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/worker"
)

// AppRoute 将 App 配置与派生属性（解析后的 URL、生命周期 Host）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type AppRoute struct {
	// Config 是用户在 config.toml 中声明的 App 字段副本。
	Config config.AppConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
	// UpstreamURL/OriginURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	OriginURL   *url.URL
	ProxyURL    *url.URL
	// Host 驱动该 App 的 worker 生命周期并处理拦截请求。
	Host *worker.Host
}

// RegistryOptions 是构建 AppRoute.Host 所需的共享依赖。
type RegistryOptions struct {
	Backend cache.Backend
	Client  *http.Client
	Logger  *logrus.Logger
	Metrics *worker.Metrics
}

// AppRegistry 提供 Host/Host:port 到 AppRoute 的查询能力，所有 App 共享同一个监听端口。
type AppRegistry struct {
	routes  map[string]*AppRoute
	byName  map[string]*AppRoute
	ordered []*AppRoute
}

// NewAppRegistry 根据配置构建 Host 映射与每个 App 的 worker.Host。调用方应在启动阶段创建一次并复用。
func NewAppRegistry(cfg *config.Config, opts RegistryOptions) (*AppRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.Backend == nil {
		return nil, errors.New("cache backend is required")
	}
	if opts.Client == nil {
		opts.Client = NewUpstreamClient(cfg)
	}

	registry := &AppRegistry{
		routes: make(map[string]*AppRoute, len(cfg.Apps)),
		byName: make(map[string]*AppRoute, len(cfg.Apps)),
	}

	for _, app := range cfg.Apps {
		normalizedHost := normalizeDomain(app.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for app %s", app.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildAppRoute(cfg, app, opts)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[app.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 AppRoute。
func (r *AppRegistry) Lookup(host string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Get 根据 App 名称查找 AppRoute，供诊断接口使用。
func (r *AppRegistry) Get(name string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 AppRoute 列表（按配置定义的顺序）。
func (r *AppRegistry) List() []*AppRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*AppRoute(nil), r.ordered...)
}

func buildAppRoute(cfg *config.Config, app config.AppConfig, opts RegistryOptions) (*AppRoute, error) {
	upstreamURL, err := url.Parse(app.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for app %s: %w", app.Name, err)
	}
	originURL, err := url.Parse(app.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for app %s: %w", app.Name, err)
	}

	var proxyURL *url.URL
	if app.Proxy != "" {
		proxyURL, err = url.Parse(app.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for app %s: %w", app.Name, err)
		}
	}

	storage, err := opts.Backend.Namespace(app.Name)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.Name, err)
	}

	host, err := worker.NewHost(worker.HostOptions{
		App:     app.Name,
		Origin:  app.Origin,
		Storage: storage,
		Network: NewFetcher(opts.Client, app.Origin, upstreamURL, proxyURL),
		Logger:  opts.Logger,
		Names: worker.CacheNames{
			Content:  app.ContentCache,
			Temp:     app.TempCache,
			Manifest: app.ManifestCache,
		},
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.Name, err)
	}

	return &AppRoute{
		Config:      app,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		OriginURL:   originURL,
		ProxyURL:    proxyURL,
		Host:        host,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
