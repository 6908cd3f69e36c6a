package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

const (
	headerCacheHit = "X-Shell-Cache-Hit"
	headerStrategy = "X-Shell-Cache-Strategy"
)

// Handler 先把请求交给 App 当前控制中的 worker 拦截（cache-first / online-first），
// worker 不处理的请求原样透传到上游并流式返回。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with shared HTTP client/logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	return &Handler{
		client: client,
		logger: logger,
	}
}

// Handle 执行拦截与透传逻辑，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := &worker.Request{
		Method: c.Method(),
		URL:    publicURL(route, c),
		Header: server.InterceptedHeaders(fiberHeadersAsHTTP(c)),
	}
	key := manifest.RequestKey(route.Config.Origin, req.URL)

	result, err := route.Host.Fetch(ctx, req)
	if err != nil {
		// 拦截失败时没有 Result，策略按 key 推断。
		strategy := worker.StrategyCacheFirst
		if key == manifest.RootKey {
			strategy = worker.StrategyOnlineFirst
		}
		c.Set(headerStrategy, string(strategy))
		h.logResult(route, key, strategy, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	if result.Handled {
		return h.serveResult(c, route, key, result, requestID, started)
	}
	return h.forward(ctx, c, route, key, requestID, started)
}

// serveResult 输出 worker 返回的响应（来自缓存或网络）。
func (h *Handler) serveResult(c fiber.Ctx, route *server.AppRoute, key string, result *worker.Result, requestID string, started time.Time) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, fmt.Sprintf("%t", result.CacheHit))
	c.Set(headerStrategy, string(result.Strategy))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(route, key, result.Strategy, requestID, resp.Status, result.CacheHit, started, nil)
	return c.Send(resp.Body)
}

// forward 将请求透传到上游，保留方法与请求体，响应按流式回写。
func (h *Handler) forward(ctx context.Context, c fiber.Ctx, route *server.AppRoute, key, requestID string, started time.Time) error {
	upstream := resolveUpstreamURL(route, c)
	upstreamReq, err := h.buildUpstreamRequest(ctx, c, upstream, route)
	if err != nil {
		h.logResult(route, key, worker.StrategyPassthrough, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := route.DoUpstream(h.client, upstreamReq)
	if err != nil {
		h.logResult(route, key, worker.StrategyPassthrough, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, "false")
	c.Set(headerStrategy, string(worker.StrategyPassthrough))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, key, worker.StrategyPassthrough, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, key, worker.StrategyPassthrough, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, upstream *url.URL, route *server.AppRoute) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.AppRoute,
	key string,
	strategy worker.Strategy,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		key,
		string(strategy),
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// publicURL 以配置的 origin 重建浏览器视角下的完整 URL，缓存键基于它计算。
func publicURL(route *server.AppRoute, c fiber.Ctx) string {
	return strings.TrimRight(route.Config.Origin, "/") + requestURI(c)
}

func requestURI(c fiber.Ctx) string {
	raw := c.OriginalURL()
	if raw == "" {
		return "/"
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return raw
}

func resolveUpstreamURL(route *server.AppRoute, c fiber.Ctx) *url.URL {
	base := *route.UpstreamURL
	uri := c.Request().URI()
	reqPath := string(uri.Path())
	if reqPath == "" {
		reqPath = "/"
	}
	base.Path = strings.TrimRight(base.Path, "/") + reqPath
	base.RawPath = ""
	base.RawQuery = string(uri.QueryString())
	return &base
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
