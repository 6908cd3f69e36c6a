package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/config"
)

// upstreamTransport 由所有 App 共享；拦截与透传请求都复用同一组长连接。
var upstreamTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回访问各 App 上游的 http.Client，超时取 Global.UpstreamTimeout。
// 该超时同时约束 worker 合并后的共享请求。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: upstreamTransport.Clone(),
	}
}

// hopByHopHeaders 只在单跳连接上有意义，转发时一律丢弃。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// workerOwnedHeaders 决定响应能否整体写入缓存仓，必须由 worker 而不是客户端控制：
// 客户端的 Range 会换来 206 分片，条件头会换来无正文的 304。
var workerOwnedHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"Cache-Control",
	"Pragma",
}

// CopyHeaders 将 src 中可转发的头追加到 dst：丢弃 hop-by-hop 字段，
// 以及 src 的 Connection 头中点名的字段。
func CopyHeaders(dst, src http.Header) {
	named := connectionNamed(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if isHopByHopHeader(canonical) {
			continue
		}
		if _, ok := named[canonical]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(canonical, value)
		}
	}
}

// InterceptedHeaders 返回交给 worker 的客户端请求头：在 CopyHeaders 的基础上
// 再去掉 Host 与 worker 自己负责的 Range/条件/缓存控制头。
func InterceptedHeaders(src http.Header) http.Header {
	header := http.Header{}
	CopyHeaders(header, src)
	header.Del("Host")
	StripWorkerOwnedHeaders(header)
	return header
}

// StripWorkerOwnedHeaders 原地删除 workerOwnedHeaders。
func StripWorkerOwnedHeaders(header http.Header) {
	for _, key := range workerOwnedHeaders {
		header.Del(key)
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(textproto.CanonicalMIMEHeaderKey(key))
}

func isHopByHopHeader(canonical string) bool {
	_, ok := hopByHopHeaders[canonical]
	return ok
}

// connectionNamed 解析 Connection 头中以逗号分隔的字段名。
func connectionNamed(header http.Header) map[string]struct{} {
	values := header.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	named := make(map[string]struct{})
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			named[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
		}
	}
	return named
}
