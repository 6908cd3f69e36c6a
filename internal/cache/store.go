package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Storage 对应浏览器的 CacheStorage：按名称打开/删除互不相交的缓存仓。
// 同一 Storage 实例在所有 app 之间复用，app 维度由构造时的 namespace 区分。
type Storage interface {
	// Open 打开（不存在则创建）指定名称的缓存仓。
	Open(ctx context.Context, name string) (Store, error)
	// Delete 删除整个缓存仓及其全部条目，仓不存在时返回 nil。
	Delete(ctx context.Context, name string) error
}

// Store 是单个命名缓存仓，Key 为请求标识（Method + URL）。
type Store interface {
	// Match 返回与请求匹配的缓存响应，未命中时返回 ErrNotFound。
	Match(ctx context.Context, req RequestKey) (*Response, error)

	// Put 写入（覆盖）请求对应的响应，实现需保证单条写入原子性。
	Put(ctx context.Context, req RequestKey, resp *Response) error

	// Delete 删除单个条目，条目不存在时返回 nil。
	Delete(ctx context.Context, req RequestKey) error

	// Keys 返回仓内全部请求标识，顺序不作保证。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 唯一定位一个缓存条目。Method 为空时按 GET 处理。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestKey 构造 GET 请求标识。
func NewRequestKey(url string) RequestKey {
	return RequestKey{Method: http.MethodGet, URL: url}
}

// Identity 返回 "METHOD URL" 形式的标识，用于落盘文件名与数据库主键。
func (k RequestKey) Identity() string {
	return normalizeMethod(k.Method) + " " + k.URL
}

// Response 表示一次可缓存的响应，正文完整驻留内存，便于 clone 后同时写缓存与返回调用方。
type Response struct {
	URL    string      `json:"url"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"-"`
}

// OK 与浏览器 Response.ok 一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，写缓存与回写调用方互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		URL:    r.URL,
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

// 默认的三个缓存仓名称：content 存放已生效资源，temp 存放 install 阶段预取的资源，
// manifest 存放最近一次激活的清单快照。
const (
	DefaultContentStore  = "shell-app-cache"
	DefaultTempStore     = "shell-temp-cache"
	DefaultManifestStore = "shell-app-manifest"
)

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidName 表示缓存仓名称或 namespace 非法（为空或包含路径分隔符）。
var ErrInvalidName = errors.New("invalid cache name")

func validName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && name != "." && name != ".."
}
