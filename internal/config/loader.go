package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectAppLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	baseDir := filepath.Dir(path)
	for i := range cfg.Apps {
		applyAppDefaults(&cfg.Apps[i], baseDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StoragePath != memoryStoragePath {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

const memoryStoragePath = ":memory:"

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", "fs")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("WatchDebounce", "500ms")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.WatchDebounce.DurationValue() == 0 {
		g.WatchDebounce = Duration(500 * time.Millisecond)
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = "fs"
	}
}

// applyAppDefaults 补齐 Origin，并将相对 ManifestPath 解析为相对配置文件所在目录。
func applyAppDefaults(a *AppConfig, baseDir string) {
	a.Domain = strings.ToLower(strings.TrimSpace(a.Domain))
	if strings.TrimSpace(a.Origin) == "" && a.Domain != "" {
		a.Origin = "http://" + a.Domain
	}
	a.Origin = strings.TrimRight(strings.TrimSpace(a.Origin), "/")
	a.Upstream = strings.TrimRight(strings.TrimSpace(a.Upstream), "/")
	if a.ManifestPath != "" && !filepath.IsAbs(a.ManifestPath) {
		a.ManifestPath = filepath.Join(baseDir, a.ManifestPath)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectAppLevelPorts 拒绝 App 级 Port 字段，所有 App 共享全局 ListenPort。
func rejectAppLevelPorts(v *viper.Viper) error {
	raw := v.Get("App")
	apps, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range apps {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for key := range m {
			if !strings.EqualFold(key, "Port") {
				continue
			}
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			} else if rawName, ok := m["name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(appField(name, "Port"), "不支持按 App 配置端口，请使用全局 ListenPort")
		}
	}

	return nil
}
