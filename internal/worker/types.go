package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/any-hub/shellcache/internal/cache"
)

// CacheMode 对应 fetch 的 cache 选项，目前只区分默认与 reload。
type CacheMode string

const (
	CacheDefault CacheMode = ""
	// CacheReload 强制绕过中间缓存重新验证，install 阶段的 shell 资源使用该模式。
	CacheReload CacheMode = "reload"
)

// Request 是被拦截或主动发起的请求，URL 为带 origin 的绝对地址。
type Request struct {
	Method    string
	URL       string
	Header    http.Header
	CacheMode CacheMode
}

// Key 返回缓存仓使用的请求标识。
func (r *Request) Key() cache.RequestKey {
	return cache.RequestKey{Method: r.Method, URL: r.URL}
}

// Fetcher 抽象网络访问。HTTP 错误状态以 Response 返回，只有传输层失败才返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Platform 是 Manager 可以向宿主发出的两个信号。
type Platform interface {
	// SkipWaiting 请求立即用 m 取代当前 active 实例；安装中调用只记录标记。
	SkipWaiting(ctx context.Context, m *Manager) error
	// Claim 让 m 立即接管所有客户端请求。
	Claim(m *Manager)
}

// Strategy 标识一次请求的处理方式，用于响应头与指标。
type Strategy string

const (
	StrategyCacheFirst  Strategy = "cache-first"
	StrategyOnlineFirst Strategy = "online-first"
	StrategyPassthrough Strategy = "passthrough"
)

// Result 描述拦截结果。Handled 为 false 时调用方应走默认网络路径。
type Result struct {
	Handled  bool
	Strategy Strategy
	CacheHit bool
	Response *cache.Response
}

// 宿主消息的两个取值。
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

var (
	// ErrActivationFailed 包装 activate 阶段的任何失败，此时三个缓存仓已被清空。
	ErrActivationFailed = errors.New("activation failed")
	// ErrUnknownMessage 表示宿主消息不是 skipWaiting/downloadOffline。
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNoWaitingInstance 表示 skipWaiting 时没有等待中的实例。
	ErrNoWaitingInstance = errors.New("no waiting instance")
	// ErrNoActiveInstance 表示 downloadOffline 时没有 active 实例。
	ErrNoActiveInstance = errors.New("no active instance")
)

// CacheNames 为三个互不相交的缓存仓命名。
type CacheNames struct {
	Content  string
	Temp     string
	Manifest string
}

// DefaultCacheNames 返回默认缓存仓名称。
func DefaultCacheNames() CacheNames {
	return CacheNames{
		Content:  cache.DefaultContentStore,
		Temp:     cache.DefaultTempStore,
		Manifest: cache.DefaultManifestStore,
	}
}

func (n CacheNames) withDefaults() CacheNames {
	def := DefaultCacheNames()
	if n.Content == "" {
		n.Content = def.Content
	}
	if n.Temp == "" {
		n.Temp = def.Temp
	}
	if n.Manifest == "" {
		n.Manifest = def.Manifest
	}
	return n
}

// manifestEntry 是 manifest 快照仓中唯一条目的相对路径。
const manifestEntry = "manifest"
