package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// newFileBackend 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func newFileBackend(basePath string) (*fileBackend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileBackend 通过 entryLock 避免同一条目/同一缓存仓并发写入，同时复用 basePath。
type fileBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileStorage 对应单个 app 的 <StoragePath>/<app> 目录。
type fileStorage struct {
	backend *fileBackend
	dir     string
}

// fileStore 对应 <StoragePath>/<app>/<store> 目录，每个条目由 .body + .meta 两个文件组成。
type fileStore struct {
	backend *fileBackend
	dir     string
}

// entryMeta 是 .meta 文件的 JSON 结构，Body 单独落盘。
type entryMeta struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
}

func (b *fileBackend) Namespace(app string) (Storage, error) {
	if !validName(app) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, app)
	}
	return &fileStorage{backend: b, dir: filepath.Join(b.basePath, app)}, nil
}

func (b *fileBackend) Close() error {
	return nil
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &fileStore{backend: s.backend, dir: dir}, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir := filepath.Join(s.dir, name)
	unlock := s.backend.lock(dir)
	defer unlock()
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Match(ctx context.Context, req RequestKey) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := s.entryPath(req)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Response{
		URL:    meta.URL,
		Status: meta.Status,
		Header: meta.Header,
		Body:   body,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, req RequestKey, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	base := s.entryPath(req)
	unlock := s.backend.lock(base)
	defer unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	if err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(resp.Body)); err != nil {
		return err
	}

	meta := entryMeta{
		Method: normalizeMethod(req.Method),
		URL:    req.URL,
		Status: resp.Status,
		Header: resp.Header,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeAtomic(ctx, base+metaSuffix, bytes.NewReader(raw))
}

func (s *fileStore) Delete(ctx context.Context, req RequestKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := s.entryPath(req)
	unlock := s.backend.lock(base)
	defer unlock()

	// 先删 meta，使并发 Match/Keys 不会看到只剩正文的条目。
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]RequestKey, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]RequestKey, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, RequestKey{Method: meta.Method, URL: meta.URL})
	}
	return keys, nil
}

func (s *fileStore) entryPath(req RequestKey) string {
	sum := sha1.Sum([]byte(req.Identity()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

func readMeta(path string) (entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache meta %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(ctx context.Context, filePath string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *fileBackend) lock(key string) func() {
	b.mu.Lock()
	lock := b.locks[key]
	if lock == nil {
		lock = &entryLock{}
		b.locks[key] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func normalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodGet
	}
	return method
}
