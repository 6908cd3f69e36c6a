package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 App 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	WatchDebounce   Duration `mapstructure:"WatchDebounce"`
}

// AppConfig 描述一个被缓存的单页应用部署。
type AppConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	// Origin 是浏览器看到的公开 origin，缓存键以它为前缀；默认 http://<Domain>。
	Origin        string `mapstructure:"Origin"`
	Proxy         string `mapstructure:"Proxy"`
	ManifestPath  string `mapstructure:"ManifestPath"`
	WatchManifest bool   `mapstructure:"WatchManifest"`
	ContentCache  string `mapstructure:"ContentCache"`
	TempCache     string `mapstructure:"TempCache"`
	ManifestCache string `mapstructure:"ManifestCache"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Apps   []AppConfig  `mapstructure:"App"`
}

// AppNames 返回所有 App 的名称与 driver 摘要，供启动日志使用。
func AppNames(apps []AppConfig) []string {
	if len(apps) == 0 {
		return nil
	}
	result := make([]string, len(apps))
	for i, app := range apps {
		result[i] = fmt.Sprintf("%s:%s", app.Name, app.Domain)
	}
	return result
}
