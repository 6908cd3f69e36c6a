package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/worker"
)

// upstreamFetcher 将 worker 以公开 origin 表达的请求改写到上游地址后发出。
type upstreamFetcher struct {
	client   *http.Client
	origin   string
	upstream *url.URL
	proxy    *url.URL
	group    singleflight.Group
}

// NewFetcher 返回基于共享 http.Client 的 worker.Fetcher；proxy 非空时经由该代理访问上游。
func NewFetcher(client *http.Client, origin string, upstream, proxy *url.URL) worker.Fetcher {
	return &upstreamFetcher{
		client:   client,
		origin:   strings.TrimRight(origin, "/"),
		upstream: upstream,
		proxy:    proxy,
	}
}

// Fetch 发出请求并完整读取正文。并发的相同 GET 请求合并为一次上游访问，
// 共享请求不跟随任何单个调用方取消（由 client 超时兜底），
// 每个调用方只在自己的 ctx 结束时提前返回，并拿到独立的响应副本。
func (f *upstreamFetcher) Fetch(ctx context.Context, req *worker.Request) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return f.do(ctx, req, method)
	}

	key := method + " " + req.URL + " " + string(req.CacheMode)
	shared := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (interface{}, error) {
		return f.do(shared, req, method)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Response).Clone(), nil
	}
}

func (f *upstreamFetcher) do(ctx context.Context, req *worker.Request, method string) (*cache.Response, error) {
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	StripWorkerOwnedHeaders(httpReq.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host
	if req.CacheMode == worker.CacheReload {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.doRequest(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &cache.Response{
		URL:    req.URL,
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// resolve 将 origin 前缀替换为上游地址，保留路径与查询串。
func (f *upstreamFetcher) resolve(raw string) (*url.URL, error) {
	rest, ok := strings.CutPrefix(raw, f.origin)
	if !ok {
		return nil, fmt.Errorf("request %s is outside origin %s", raw, f.origin)
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	relative, err := url.Parse(rest)
	if err != nil {
		return nil, err
	}
	relative.Fragment = ""
	base := *f.upstream
	base.Path = strings.TrimRight(base.Path, "/") + relative.Path
	base.RawPath = ""
	base.RawQuery = relative.RawQuery
	return &base, nil
}

func (f *upstreamFetcher) doRequest(req *http.Request) (*http.Response, error) {
	return doWithProxy(f.client, f.proxy, req)
}

// doWithProxy 在配置了代理时复制 transport 并替换 Proxy，否则直接使用共享 client。
func doWithProxy(client *http.Client, proxy *url.URL, req *http.Request) (*http.Response, error) {
	if proxy == nil {
		return client.Do(req)
	}
	transport := http.Transport{}
	if base, ok := client.Transport.(*http.Transport); ok && base != nil {
		transport = *base.Clone()
	}
	transport.Proxy = http.ProxyURL(proxy)
	cloned := *client
	cloned.Transport = &transport
	return cloned.Do(req)
}

// DoUpstream 供透传路径复用与 Fetcher 相同的代理选择逻辑。
func (r *AppRoute) DoUpstream(client *http.Client, req *http.Request) (*http.Response, error) {
	return doWithProxy(client, r.ProxyURL, req)
}
