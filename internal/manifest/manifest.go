// Package manifest 描述构建产物交给 shellcache 的资源清单：逻辑路径 → 指纹，
// 以及首屏前必须就绪的 shell 资源列表。清单在一次部署内不可变，每次发布整体重建。
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// RootKey 是入口文档（origin 根路径）的哨兵键。
const RootKey = "/"

// Resources 将 origin 相对路径（或 RootKey）映射到内容指纹。
type Resources map[string]string

// Manifest 是一次部署的完整清单。
type Manifest struct {
	// Version 仅用于日志与诊断，可为空。
	Version   string    `json:"version,omitempty"`
	Resources Resources `json:"resources"`
	// Core 为 install 阶段需要预缓存的 shell 资源，均为 Resources 的键。
	Core []string `json:"core"`
}

// Load 读取构建产物生成的 JSON 清单并校验。
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取资源清单失败: %w", err)
	}
	return Parse(raw)
}

// Parse 解析 JSON 清单并校验。
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("解析资源清单失败: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate 确保清单非空、键为相对路径，且 Core 中的每一项都存在于 Resources。
func (m *Manifest) Validate() error {
	if m == nil || len(m.Resources) == 0 {
		return errors.New("资源清单为空")
	}
	for key, hash := range m.Resources {
		if key == "" {
			return errors.New("资源清单包含空路径")
		}
		if key != RootKey && strings.HasPrefix(key, "/") {
			return fmt.Errorf("资源路径必须相对 origin: %s", key)
		}
		if strings.TrimSpace(hash) == "" {
			return fmt.Errorf("资源缺少指纹: %s", key)
		}
	}
	for _, key := range m.Core {
		if _, ok := m.Resources[key]; !ok {
			return fmt.Errorf("core 资源不在清单中: %s", key)
		}
	}
	return nil
}

// Has 判断逻辑键是否由本清单管理。
func (r Resources) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Keys 返回排序后的全部逻辑键。
func (r Resources) Keys() []string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone 返回独立副本。
func (r Resources) Clone() Resources {
	out := make(Resources, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Encode 将清单序列化为 manifest 快照仓中存放的 JSON。
func (r Resources) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResources 解析 manifest 快照仓中的旧清单。
func DecodeResources(raw []byte) (Resources, error) {
	var r Resources
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("解析旧清单失败: %w", err)
	}
	if r == nil {
		r = Resources{}
	}
	return r, nil
}
