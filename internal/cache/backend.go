package cache

import (
	"fmt"
	"strings"
)

// Driver 名称与配置项 StorageDriver 一一对应。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// MemoryPath 作为 StoragePath 时强制使用内存后端。
const MemoryPath = ":memory:"

// Backend 持有底层存储句柄，并按 app 名称切分出互相隔离的 Storage。
type Backend interface {
	Namespace(app string) (Storage, error)
	Close() error
}

// NewBackend 根据 driver 构建缓存后端，driver 为空时使用磁盘布局。
func NewBackend(driver, basePath string) (Backend, error) {
	if basePath == MemoryPath {
		return newMemoryBackend(), nil
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return newFileBackend(basePath)
	case DriverSQLite:
		return newSQLiteBackend(basePath)
	case DriverMemory:
		return newMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
