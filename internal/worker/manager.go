package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

// Options 描述构造 Manager 所需的全部依赖，均由调用方注入，便于测试替换。
type Options struct {
	App      string
	Origin   string
	Manifest *manifest.Manifest
	Storage  cache.Storage
	Network  Fetcher
	Platform Platform
	Logger   *logrus.Logger
	Names    CacheNames
	Metrics  *Metrics
}

// Manager 是绑定单个清单的缓存实例。每个事件内部严格顺序执行，
// 不在事件之间保留任何缓存数据副本。
type Manager struct {
	id       string
	app      string
	origin   string
	manifest *manifest.Manifest
	storage  cache.Storage
	network  Fetcher
	platform Platform
	logger   *logrus.Logger
	names    CacheNames
	metrics  *Metrics

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

// NewManager 校验依赖并返回处于 installing 状态的实例。
func NewManager(opts Options) (*Manager, error) {
	if opts.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	platform := opts.Platform
	if platform == nil {
		platform = nopPlatform{}
	}
	return &Manager{
		id:       uuid.NewString(),
		app:      opts.App,
		origin:   opts.Origin,
		manifest: opts.Manifest,
		storage:  opts.Storage,
		network:  opts.Network,
		platform: platform,
		logger:   logger,
		names:    opts.Names.withDefaults(),
		metrics:  opts.Metrics,
		state:    StateInstalling,
	}, nil
}

// ID 返回实例标识。
func (m *Manager) ID() string { return m.id }

// Manifest 返回实例绑定的清单。
func (m *Manager) Manifest() *manifest.Manifest { return m.manifest }

// Install 请求 skip-waiting，并以 reload 模式拉取全部 core 资源写入 temp 仓。
// 任一资源失败即返回错误，不重试也不清理。
func (m *Manager) Install(ctx context.Context) error {
	if err := m.platform.SkipWaiting(ctx, m); err != nil {
		return err
	}

	temp, err := m.storage.Open(ctx, m.names.Temp)
	if err != nil {
		return fmt.Errorf("open temp cache: %w", err)
	}
	if err := m.addAll(ctx, temp, m.manifest.Core, CacheReload); err != nil {
		return fmt.Errorf("precache core assets: %w", err)
	}

	m.logger.WithFields(m.fields("install")).
		WithField("core_assets", len(m.manifest.Core)).
		Info("worker installed")
	return nil
}

// Activate 将 temp 仓合入 content 仓，并按新旧清单指纹淘汰过期条目。
// 任何一步失败都会清空三个缓存仓，返回包装了 ErrActivationFailed 的错误。
func (m *Manager) Activate(ctx context.Context) error {
	removed, err := m.reconcile(ctx)
	if err != nil {
		m.logger.WithFields(m.fields("activate")).WithError(err).Error("failed to upgrade worker")
		m.clearAll(ctx)
		return fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	m.logger.WithFields(m.fields("activate")).
		WithField("removed_entries", removed).
		Info("worker activated")
	return nil
}

func (m *Manager) reconcile(ctx context.Context) (int, error) {
	content, err := m.storage.Open(ctx, m.names.Content)
	if err != nil {
		return 0, fmt.Errorf("open content cache: %w", err)
	}
	temp, err := m.storage.Open(ctx, m.names.Temp)
	if err != nil {
		return 0, fmt.Errorf("open temp cache: %w", err)
	}
	snapshots, err := m.storage.Open(ctx, m.names.Manifest)
	if err != nil {
		return 0, fmt.Errorf("open manifest cache: %w", err)
	}

	snapshotKey := cache.NewRequestKey(manifest.URLFor(m.origin, manifestEntry))
	prior, err := snapshots.Match(ctx, snapshotKey)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return 0, fmt.Errorf("read manifest snapshot: %w", err)
	}

	removed := 0
	if prior == nil {
		// 首次安装：没有旧清单，整个 content 仓重建。
		if err := m.storage.Delete(ctx, m.names.Content); err != nil {
			return 0, fmt.Errorf("reset content cache: %w", err)
		}
		content, err = m.storage.Open(ctx, m.names.Content)
		if err != nil {
			return 0, fmt.Errorf("reopen content cache: %w", err)
		}
	} else {
		oldResources, err := manifest.DecodeResources(prior.Body)
		if err != nil {
			return 0, err
		}
		removed, err = m.evictStale(ctx, content, oldResources)
		if err != nil {
			return 0, err
		}
	}

	if err := copyEntries(ctx, temp, content); err != nil {
		return 0, err
	}
	if err := m.storage.Delete(ctx, m.names.Temp); err != nil {
		return 0, fmt.Errorf("delete temp cache: %w", err)
	}

	encoded, err := m.manifest.Resources.Encode()
	if err != nil {
		return 0, err
	}
	snapshot := &cache.Response{
		URL:    snapshotKey.URL,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   encoded,
	}
	if err := snapshots.Put(ctx, snapshotKey, snapshot); err != nil {
		return 0, fmt.Errorf("write manifest snapshot: %w", err)
	}

	m.platform.Claim(m)
	return removed, nil
}

// evictStale 删除新清单中已不存在、或指纹相对旧清单发生变化的条目；其余条目原样复用。
func (m *Manager) evictStale(ctx context.Context, content cache.Store, old manifest.Resources) (int, error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list content cache: %w", err)
	}
	removed := 0
	for _, req := range keys {
		key := manifest.StoredKey(m.origin, req.URL)
		current, ok := m.manifest.Resources[key]
		if ok && current == old[key] {
			continue
		}
		if err := content.Delete(ctx, req); err != nil {
			return removed, fmt.Errorf("evict %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

// clearAll 在 activate 失败后清空全部缓存仓，保证下一次激活从干净状态开始。
func (m *Manager) clearAll(ctx context.Context) {
	// 调用方的 ctx 可能已经取消，清理不应因此跳过。
	cleanupCtx := context.WithoutCancel(ctx)
	for _, name := range []string{m.names.Content, m.names.Temp, m.names.Manifest} {
		if err := m.storage.Delete(cleanupCtx, name); err != nil {
			m.logger.WithFields(m.fields("activate_cleanup")).
				WithField("cache", name).
				WithError(err).
				Warn("cache cleanup failed")
		}
	}
}

// Fetch 拦截请求：非 GET 或不在清单中的资源不处理；根文档走 online-first；
// 其余资源 cache-first，未命中时回源并在 2xx 时写回 content 仓。
func (m *Manager) Fetch(ctx context.Context, req *Request) (*Result, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return &Result{Strategy: StrategyPassthrough}, nil
	}

	key := manifest.RequestKey(m.origin, req.URL)
	if !m.manifest.Resources.Has(key) {
		return &Result{Strategy: StrategyPassthrough}, nil
	}
	if key == manifest.RootKey {
		return m.onlineFirst(ctx, req)
	}

	content, err := m.storage.Open(ctx, m.names.Content)
	if err != nil {
		m.metrics.observeFetch(m.app, StrategyCacheFirst, "error")
		return nil, fmt.Errorf("open content cache: %w", err)
	}

	cached, err := content.Match(ctx, req.Key())
	switch {
	case err == nil:
		m.metrics.observeFetch(m.app, StrategyCacheFirst, "hit")
		return &Result{Handled: true, Strategy: StrategyCacheFirst, CacheHit: true, Response: cached}, nil
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		m.logger.WithFields(m.fields("fetch")).WithField("cache_key", key).WithError(err).Warn("cache_match_failed")
	}

	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		m.metrics.observeFetch(m.app, StrategyCacheFirst, "error")
		return nil, err
	}
	if resp.OK() && storable(resp) {
		m.putBestEffort(ctx, content, req, resp, key)
	}
	m.metrics.observeFetch(m.app, StrategyCacheFirst, "miss")
	return &Result{Handled: true, Strategy: StrategyCacheFirst, Response: resp}, nil
}

// onlineFirst 先请求网络并写回缓存；网络失败时回退到缓存，缓存也没有则返回原始网络错误。
func (m *Manager) onlineFirst(ctx context.Context, req *Request) (*Result, error) {
	resp, netErr := m.network.Fetch(ctx, req)
	if netErr == nil {
		if !storable(resp) {
			m.metrics.observeFetch(m.app, StrategyOnlineFirst, "network")
			return &Result{Handled: true, Strategy: StrategyOnlineFirst, Response: resp}, nil
		}
		if content, err := m.storage.Open(ctx, m.names.Content); err == nil {
			m.putBestEffort(ctx, content, req, resp, manifest.RootKey)
		} else {
			m.logger.WithFields(m.fields("fetch")).WithError(err).Warn("cache_open_failed")
		}
		m.metrics.observeFetch(m.app, StrategyOnlineFirst, "network")
		return &Result{Handled: true, Strategy: StrategyOnlineFirst, Response: resp}, nil
	}

	content, err := m.storage.Open(ctx, m.names.Content)
	if err == nil {
		cached, matchErr := content.Match(ctx, req.Key())
		if matchErr == nil {
			m.logger.WithFields(m.fields("fetch")).WithError(netErr).Debug("online-first fell back to cache")
			m.metrics.observeFetch(m.app, StrategyOnlineFirst, "fallback")
			return &Result{Handled: true, Strategy: StrategyOnlineFirst, CacheHit: true, Response: cached}, nil
		}
	}
	m.metrics.observeFetch(m.app, StrategyOnlineFirst, "error")
	return nil, netErr
}

// storable 排除不能代表完整资源的响应：206 只是片段，304 没有正文。
func storable(resp *cache.Response) bool {
	return resp != nil && resp.Status != http.StatusPartialContent && resp.Status != http.StatusNotModified
}

// putBestEffort 写入响应副本，失败只记日志，不影响返回给调用方的原始响应。
func (m *Manager) putBestEffort(ctx context.Context, store cache.Store, req *Request, resp *cache.Response, key string) {
	if resp == nil {
		return
	}
	if err := store.Put(ctx, req.Key(), resp.Clone()); err != nil {
		m.logger.WithFields(m.fields("fetch")).WithField("cache_key", key).WithError(err).Warn("cache_put_failed")
	}
}

// DownloadOffline 拉取 content 仓中缺失的全部清单资源，返回下载数量。
// 任一资源失败则整体失败，不记录部分完成状态。
func (m *Manager) DownloadOffline(ctx context.Context) (int, error) {
	content, err := m.storage.Open(ctx, m.names.Content)
	if err != nil {
		return 0, fmt.Errorf("open content cache: %w", err)
	}
	keys, err := content.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list content cache: %w", err)
	}

	present := make(map[string]struct{}, len(keys))
	for _, req := range keys {
		present[manifest.StoredKey(m.origin, req.URL)] = struct{}{}
	}

	var missing []string
	for _, key := range m.manifest.Resources.Keys() {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if err := m.addAll(ctx, content, missing, CacheDefault); err != nil {
		return 0, fmt.Errorf("download offline resources: %w", err)
	}
	m.logger.WithFields(m.fields(MessageDownloadOffline)).
		WithField("downloaded", len(missing)).
		Info("offline resources downloaded")
	return len(missing), nil
}

// HandleMessage 处理宿主页面发来的消息。
func (m *Manager) HandleMessage(ctx context.Context, msg string) error {
	switch msg {
	case MessageSkipWaiting:
		return m.platform.SkipWaiting(ctx, m)
	case MessageDownloadOffline:
		_, err := m.DownloadOffline(ctx)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg)
	}
}

// addAll 依次拉取全部资源，全部成功（2xx）后才统一写入 store。
func (m *Manager) addAll(ctx context.Context, store cache.Store, keys []string, mode CacheMode) error {
	type fetched struct {
		req  *Request
		resp *cache.Response
	}
	results := make([]fetched, 0, len(keys))
	for _, key := range keys {
		req := &Request{
			Method:    http.MethodGet,
			URL:       manifest.URLFor(m.origin, key),
			CacheMode: mode,
		}
		resp, err := m.network.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", key, err)
		}
		if !resp.OK() || !storable(resp) {
			return fmt.Errorf("fetch %s: unexpected status %d", key, resp.Status)
		}
		results = append(results, fetched{req: req, resp: resp})
	}
	for _, item := range results {
		if err := store.Put(ctx, item.req.Key(), item.resp); err != nil {
			return fmt.Errorf("store %s: %w", item.req.URL, err)
		}
	}
	return nil
}

func copyEntries(ctx context.Context, src, dst cache.Store) error {
	keys, err := src.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list temp cache: %w", err)
	}
	for _, req := range keys {
		resp, err := src.Match(ctx, req)
		if err != nil {
			return fmt.Errorf("read temp entry %s: %w", req.URL, err)
		}
		if err := dst.Put(ctx, req, resp); err != nil {
			return fmt.Errorf("copy temp entry %s: %w", req.URL, err)
		}
	}
	return nil
}

func (m *Manager) fields(event string) logrus.Fields {
	return logging.LifecycleFields(m.app, m.id, m.manifest.Version, event)
}

type nopPlatform struct{}

func (nopPlatform) SkipWaiting(context.Context, *Manager) error { return nil }
func (nopPlatform) Claim(*Manager)                              {}
