package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/cache"
)

var supportedDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite/memory")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.WatchDebounce.DurationValue() < 0 {
		return newFieldError("Global.WatchDebounce", "不能为负数")
	}

	if len(c.Apps) == 0 {
		return errors.New("至少需要配置一个 App")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.Name == "" {
			return newFieldError("App[].Name", "不能为空")
		}
		if strings.ContainsAny(app.Name, `/\ `) {
			return newFieldError(appField(app.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[app.Name]; exists {
			return newFieldError(appField(app.Name, "Name"), "重复")
		}
		seenNames[app.Name] = struct{}{}

		if err := validateDomain(app.Domain); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Domain"), err)
		}
		if _, exists := seenDomains[app.Domain]; exists {
			return newFieldError(appField(app.Name, "Domain"), "重复")
		}
		seenDomains[app.Domain] = struct{}{}

		if err := validateUpstream(app.Upstream); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Upstream"), err)
		}
		if err := validateUpstream(app.Origin); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Origin"), err)
		}
		if app.Proxy != "" {
			if err := validateUpstream(app.Proxy); err != nil {
				return fmt.Errorf("%s: %w", appField(app.Name, "Proxy"), err)
			}
		}
		if strings.TrimSpace(app.ManifestPath) == "" {
			return newFieldError(appField(app.Name, "ManifestPath"), "不能为空")
		}
		if err := validateCacheNames(app); err != nil {
			return err
		}
	}

	return nil
}

// validateCacheNames 按最终生效的名称（未配置时取默认值）检查三个缓存仓互不重名。
func validateCacheNames(app *AppConfig) error {
	names := map[string]string{}
	for _, item := range []struct {
		field, name, fallback string
	}{
		{"ContentCache", app.ContentCache, cache.DefaultContentStore},
		{"TempCache", app.TempCache, cache.DefaultTempStore},
		{"ManifestCache", app.ManifestCache, cache.DefaultManifestStore},
	} {
		field, name := item.field, strings.TrimSpace(item.name)
		if name == "" {
			name = item.fallback
		}
		if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return newFieldError(appField(app.Name, field), "不允许包含路径分隔符")
		}
		if other, exists := names[name]; exists {
			return newFieldError(appField(app.Name, field), "与 "+other+" 重名")
		}
		names[name] = field
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
