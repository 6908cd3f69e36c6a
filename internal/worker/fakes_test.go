package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

const testOrigin = "https://app.example.com"

var errOffline = errors.New("network offline")

// fakeNetwork serves canned bodies per URL and records every request.
type fakeNetwork struct {
	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string]int
	offline  bool
	requests []*Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{bodies: map[string]string{}, statuses: map[string]int{}}
}

func (n *fakeNetwork) serve(key, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[manifest.URLFor(testOrigin, key)] = body
}

func (n *fakeNetwork) status(key string, status int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses[manifest.URLFor(testOrigin, key)] = status
}

func (n *fakeNetwork) clearStatus(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.statuses, manifest.URLFor(testOrigin, key))
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) Fetch(_ context.Context, req *Request) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	if n.offline {
		return nil, errOffline
	}
	if status, ok := n.statuses[req.URL]; ok {
		return &cache.Response{URL: req.URL, Status: status, Header: http.Header{}}, nil
	}
	body, ok := n.bodies[req.URL]
	if !ok {
		return &cache.Response{URL: req.URL, Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return &cache.Response{URL: req.URL, Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, nil
}

func (n *fakeNetwork) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

// recordingPlatform counts platform signals without any lifecycle logic.
type recordingPlatform struct {
	skipWaiting int
	claimed     []*Manager
}

func (p *recordingPlatform) SkipWaiting(context.Context, *Manager) error {
	p.skipWaiting++
	return nil
}

func (p *recordingPlatform) Claim(m *Manager) {
	p.claimed = append(p.claimed, m)
}

// faultyStorage wraps a Storage and fails Keys, Put or Match on the named store.
type faultyStorage struct {
	cache.Storage
	failKeys  string
	failPut   string
	failMatch string
}

type faultyStore struct {
	cache.Store
	failKeys  bool
	failPut   bool
	failMatch bool
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyStore{
		Store:     store,
		failKeys:  name == s.failKeys,
		failPut:   name == s.failPut,
		failMatch: name == s.failMatch,
	}, nil
}

func (s *faultyStore) Keys(ctx context.Context) ([]cache.RequestKey, error) {
	if s.failKeys {
		return nil, errors.New("disk on fire")
	}
	return s.Store.Keys(ctx)
}

func (s *faultyStore) Put(ctx context.Context, req cache.RequestKey, resp *cache.Response) error {
	if s.failPut {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, req, resp)
}

func (s *faultyStore) Match(ctx context.Context, req cache.RequestKey) (*cache.Response, error) {
	if s.failMatch {
		return nil, errors.New("corrupt entry")
	}
	return s.Store.Match(ctx, req)
}

func testManifest(version string, resources manifest.Resources, core ...string) *manifest.Manifest {
	return &manifest.Manifest{Version: version, Resources: resources, Core: core}
}

func newTestManager(t *testing.T, storage cache.Storage, network Fetcher, mf *manifest.Manifest) (*Manager, *recordingPlatform) {
	t.Helper()
	platform := &recordingPlatform{}
	m, err := NewManager(Options{
		App:      "app",
		Origin:   testOrigin,
		Manifest: mf,
		Storage:  storage,
		Network:  network,
		Platform: platform,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m, platform
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// storeKeys returns the logical keys present in a named store.
func storeKeys(t *testing.T, storage cache.Storage, name string) map[string]bool {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[manifest.StoredKey(testOrigin, k.URL)] = true
	}
	return out
}

func cachedBody(t *testing.T, storage cache.Storage, name, key string) string {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	resp, err := store.Match(context.Background(), cache.NewRequestKey(manifest.URLFor(testOrigin, key)))
	if err != nil {
		t.Fatalf("match %s in %s: %v", key, name, err)
	}
	return string(resp.Body)
}

func putEntry(t *testing.T, storage cache.Storage, name, key, body string) {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	url := manifest.URLFor(testOrigin, key)
	if err := store.Put(context.Background(), cache.NewRequestKey(url), &cache.Response{URL: url, Status: 200, Body: []byte(body)}); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}
