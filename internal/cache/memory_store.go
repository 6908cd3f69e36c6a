package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// memoryBackend 将所有缓存仓保存在进程内，适合测试与 ":memory:" 部署。
type memoryBackend struct {
	mu     sync.Mutex
	spaces map[string]*memoryStorage
}

type memoryStorage struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	key  RequestKey
	resp *Response
}

// NewMemoryStorage 返回独立的内存 Storage，供测试或嵌入场景直接使用。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{spaces: make(map[string]*memoryStorage)}
}

func (b *memoryBackend) Namespace(app string) (Storage, error) {
	if !validName(app) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, app)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	space := b.spaces[app]
	if space == nil {
		space = &memoryStorage{stores: make(map[string]*memoryStore)}
		b.spaces[app] = space
	}
	return space, nil
}

func (b *memoryBackend) Close() error {
	return nil
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.stores[name]
	if store == nil {
		store = &memoryStore{entries: make(map[string]memoryEntry)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// 已打开的句柄继续指向旧 map，与浏览器删除 cache 后旧引用不再可见的行为一致。
	delete(s.stores, name)
	return nil
}

func (m *memoryStore) Match(ctx context.Context, req RequestKey) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[req.Identity()]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.resp.Clone(), nil
}

func (m *memoryStore) Put(ctx context.Context, req RequestKey, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	key := RequestKey{Method: normalizeMethod(req.Method), URL: req.URL}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key.Identity()] = memoryEntry{key: key, resp: resp.Clone()}
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, req RequestKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, req.Identity())
	return nil
}

func (m *memoryStore) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]RequestKey, 0, len(m.entries))
	for _, entry := range m.entries {
		keys = append(keys, entry.key)
	}
	return keys, nil
}
