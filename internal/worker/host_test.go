package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

func newTestHost(t *testing.T, storage cache.Storage, network Fetcher, metrics *Metrics) *Host {
	t.Helper()
	host, err := NewHost(HostOptions{
		App:     "app",
		Origin:  testOrigin,
		Storage: storage,
		Network: network,
		Logger:  quietLogger(),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("failed to create host: %v", err)
	}
	return host
}

func TestHostPassesThroughBeforeFirstDeploy(t *testing.T) {
	host := newTestHost(t, cache.NewMemoryStorage(), newFakeNetwork(), nil)
	res, err := host.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: testOrigin + "/main.dart.js"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if res.Handled {
		t.Fatalf("no controller yet, request must pass through")
	}
}

func TestHostDeployActivatesAndClaims(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := newFakeNetwork()
	network.serve("main.dart.js", "main v1")
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	host := newTestHost(t, storage, network, metrics)

	m, err := host.Deploy(context.Background(), testManifest("1", v1Resources(), "main.dart.js"))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("expected active state, got %s", m.State())
	}
	status := host.Status()
	if status.Active == nil || status.Active.ID != m.ID() || status.Controller != m.ID() {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Waiting != nil || status.Installing != nil {
		t.Fatalf("no instance should be pending: %+v", status)
	}

	network.setOffline(true)
	res, err := host.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: testOrigin + "/main.dart.js"})
	if err != nil {
		t.Fatalf("precached asset must be served offline: %v", err)
	}
	if !res.CacheHit || string(res.Response.Body) != "main v1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if got := testutil.ToFloat64(metrics.lifecycle.WithLabelValues("app", "activate", "ok")); got != 1 {
		t.Fatalf("expected one activate metric, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.fetches.WithLabelValues("app", string(StrategyCacheFirst), "hit")); got != 1 {
		t.Fatalf("expected one cache hit metric, got %v", got)
	}
}

func TestHostUpgradeReplacesController(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := newFakeNetwork()
	network.serve("main.dart.js", "main v1")
	host := newTestHost(t, storage, network, nil)

	first, err := host.Deploy(context.Background(), testManifest("1", v1Resources(), "main.dart.js"))
	if err != nil {
		t.Fatalf("deploy v1 failed: %v", err)
	}

	v2 := v1Resources()
	v2["main.dart.js"] = "main-2"
	network.serve("main.dart.js", "main v2")
	second, err := host.Deploy(context.Background(), testManifest("2", v2, "main.dart.js"))
	if err != nil {
		t.Fatalf("deploy v2 failed: %v", err)
	}

	if first.State() != StateRedundant {
		t.Fatalf("superseded instance must be redundant, got %s", first.State())
	}
	if second.State() != StateActive {
		t.Fatalf("new instance must be active, got %s", second.State())
	}
	if host.Status().Controller != second.ID() {
		t.Fatalf("new instance must control clients")
	}
	if body := cachedBody(t, storage, DefaultCacheNames().Content, "main.dart.js"); body != "main v2" {
		t.Fatalf("expected upgraded asset, got %q", body)
	}
}

func TestHostFailedInstallKeepsActiveInstance(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := newFakeNetwork()
	network.serve("main.dart.js", "main v1")
	host := newTestHost(t, storage, network, nil)

	first, err := host.Deploy(context.Background(), testManifest("1", v1Resources(), "main.dart.js"))
	if err != nil {
		t.Fatalf("deploy v1 failed: %v", err)
	}

	v2 := v1Resources()
	v2["index.html"] = "root-2"
	broken, err := host.Deploy(context.Background(), testManifest("2", v2, "index.html"))
	if err == nil {
		t.Fatalf("expected install failure for missing core asset")
	}
	if broken.State() != StateRedundant {
		t.Fatalf("failed instance must be redundant, got %s", broken.State())
	}
	if first.State() != StateActive || host.Status().Controller != first.ID() {
		t.Fatalf("previous instance must keep serving")
	}
}

func TestHostSkipWaitingPromotesWaitingInstance(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := newFakeNetwork()
	network.serve("main.dart.js", "main v1")
	host := newTestHost(t, storage, network, nil)

	if err := host.Message(context.Background(), MessageSkipWaiting); !errors.Is(err, ErrNoWaitingInstance) {
		t.Fatalf("expected ErrNoWaitingInstance, got %v", err)
	}

	m, err := NewManager(Options{
		App:      "app",
		Origin:   testOrigin,
		Manifest: testManifest("1", v1Resources(), "main.dart.js"),
		Storage:  storage,
		Network:  network,
		Platform: host,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	// 模拟一个已安装但尚未激活的实例。
	m.setState(StateWaiting)
	host.waiting = m

	if err := host.Message(context.Background(), MessageSkipWaiting); err != nil {
		t.Fatalf("skipWaiting failed: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("waiting instance must be promoted, got %s", m.State())
	}
	if host.Status().Waiting != nil {
		t.Fatalf("waiting slot must be cleared")
	}
}

func TestHostMessages(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := newFakeNetwork()
	resources := manifest.Resources{"main.dart.js": "1", "a.png": "2"}
	network.serve("main.dart.js", "main")
	network.serve("a.png", "a")
	host := newTestHost(t, storage, network, nil)

	if err := host.Message(context.Background(), MessageDownloadOffline); !errors.Is(err, ErrNoActiveInstance) {
		t.Fatalf("expected ErrNoActiveInstance, got %v", err)
	}
	if _, err := host.Deploy(context.Background(), testManifest("1", resources, "main.dart.js")); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := host.Message(context.Background(), MessageDownloadOffline); err != nil {
		t.Fatalf("downloadOffline failed: %v", err)
	}
	if keys := storeKeys(t, storage, DefaultCacheNames().Content); len(keys) != 2 {
		t.Fatalf("expected every resource offline, got %v", keys)
	}
	if err := host.Message(context.Background(), "bogus"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestHostInspect(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := newFakeNetwork()
	network.serve("main.dart.js", "12345")
	host := newTestHost(t, storage, network, nil)
	if _, err := host.Deploy(context.Background(), testManifest("1", v1Resources(), "main.dart.js")); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	stats, err := host.Inspect(context.Background())
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("expected three stores, got %v", stats)
	}
	if stats[0].Entries != 1 || stats[0].Bytes != 5 {
		t.Fatalf("unexpected content stats: %+v", stats[0])
	}
	if stats[1].Entries != 0 {
		t.Fatalf("temp must be empty after activation: %+v", stats[1])
	}
	if stats[2].Entries != 1 {
		t.Fatalf("manifest store must hold one snapshot: %+v", stats[2])
	}
}

func TestHostStatusReportsInstallingWithoutBlocking(t *testing.T) {
	storage := cache.NewMemoryStorage()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	network := FetcherFunc(func(ctx context.Context, req *Request) (*cache.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return &cache.Response{URL: req.URL, Status: http.StatusOK, Header: http.Header{}, Body: []byte("main")}, nil
	})
	host := newTestHost(t, storage, network, nil)

	deployed := make(chan error, 1)
	go func() {
		_, err := host.Deploy(context.Background(), testManifest("1", v1Resources(), "main.dart.js"))
		deployed <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("install never reached the network")
	}

	statusCh := make(chan Status, 1)
	go func() { statusCh <- host.Status() }()
	var status Status
	select {
	case status = <-statusCh:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatalf("status blocked behind install")
	}
	if status.Installing == nil || status.Installing.State != StateInstalling || status.Installing.Version != "1" {
		t.Fatalf("expected installing instance, got %+v", status)
	}
	if status.Active != nil || status.Controller != "" {
		t.Fatalf("nothing must be active during first install: %+v", status)
	}
	if err := host.Message(context.Background(), MessageDownloadOffline); !errors.Is(err, ErrNoActiveInstance) {
		t.Fatalf("expected ErrNoActiveInstance during install, got %v", err)
	}

	close(release)
	if err := <-deployed; err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	status = host.Status()
	if status.Installing != nil || status.Active == nil || status.Active.State != StateActive {
		t.Fatalf("unexpected status after install: %+v", status)
	}
}

func TestHostInspectCountsUnreadableEntries(t *testing.T) {
	memory := cache.NewMemoryStorage()
	network := newFakeNetwork()
	network.serve("main.dart.js", "12345")
	storage := &faultyStorage{Storage: memory, failMatch: DefaultCacheNames().Content}
	host := newTestHost(t, memory, network, nil)
	if _, err := host.Deploy(context.Background(), testManifest("1", v1Resources(), "main.dart.js")); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	host.opts.Storage = storage

	stats, err := host.Inspect(context.Background())
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if stats[0].Entries != 1 || stats[0].Bytes != 0 || stats[0].Unreadable != 1 {
		t.Fatalf("unreadable entry must be reported, got %+v", stats[0])
	}
	if stats[2].Unreadable != 0 {
		t.Fatalf("manifest store is readable: %+v", stats[2])
	}
}
