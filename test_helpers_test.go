package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// shellFixture 是写入临时目录的一组最小部署文件：配置与它引用的清单。
type shellFixture struct {
	dir          string
	configPath   string
	manifestPath string
	logPath      string
}

const fixtureManifest = `{
  "version": "1.0.0+1",
  "resources": {"/": "r1", "main.dart.js": "m1"},
  "core": ["main.dart.js"]
}`

// newShellFixture 在 t.TempDir 中生成 manifest.json 与 config.toml。
// extra 会原样追加到 [[App]] 段之后，用来覆盖单个字段。
func newShellFixture(t *testing.T, driver, extra string) shellFixture {
	t.Helper()
	dir := t.TempDir()
	fx := shellFixture{
		dir:          dir,
		manifestPath: filepath.Join(dir, "manifest.json"),
		logPath:      filepath.Join(dir, "logs", "shellcache.log"),
	}
	if err := os.WriteFile(fx.manifestPath, []byte(fixtureManifest), 0o600); err != nil {
		t.Fatalf("写入清单失败: %v", err)
	}

	var storagePath string
	switch driver {
	case "memory":
		storagePath = ":memory:"
	case "sqlite":
		storagePath = filepath.Join(dir, "shell.db")
	default:
		storagePath = filepath.Join(dir, "storage")
	}
	fx.configPath = writeConfigFile(t, fmt.Sprintf(`
LogLevel = "debug"
LogFilePath = %q
StorageDriver = %q
StoragePath = %q
ListenPort = 5000

[[App]]
Name = "web"
Domain = "web.local"
Upstream = "https://web.example.com"
ManifestPath = %q
%s
`, fx.logPath, driver, storagePath, fx.manifestPath, extra))
	return fx
}

// readLog 返回 fixture 日志文件内容，文件不存在时视为失败。
func (fx shellFixture) readLog(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile(fx.logPath)
	if err != nil {
		t.Fatalf("读取日志失败: %v", err)
	}
	return string(raw)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
