package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// appSection 生成一个 [[App]] 段，extra 中的行追加在标准字段之后。
func appSection(name, domain string, extra ...string) string {
	lines := []string{
		"[[App]]",
		fmt.Sprintf("Name = %q", name),
		fmt.Sprintf("Domain = %q", domain),
		`Upstream = "https://web.example.com"`,
	}
	lines = append(lines, extra...)
	return strings.Join(lines, "\n")
}

// writeTempConfig 把全局段与若干 App 段写入临时 config.toml 并返回路径。
func writeTempConfig(t *testing.T, global string, apps ...string) string {
	t.Helper()
	content := strings.TrimSpace(global) + "\n\n" + strings.Join(apps, "\n\n") + "\n"
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
