package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/shellcache/internal/worker"
)

func TestFetcherRewritesOriginToUpstream(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []*http.Request
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Clone(context.Background()))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("console.log(1)"))
	}))
	defer upstream.Close()

	base, _ := url.Parse(upstream.URL + "/base/")
	fetcher := NewFetcher(upstream.Client(), "https://app.example.com", base, nil)

	resp, err := fetcher.Fetch(context.Background(), &worker.Request{
		Method: http.MethodGet,
		URL:    "https://app.example.com/main.dart.js?v=42#frag",
		Header: http.Header{"Accept-Encoding": {"gzip"}, "X-Trace": {"abc"}},
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "console.log(1)" {
		t.Fatalf("unexpected response: %d %q", resp.Status, resp.Body)
	}
	if resp.URL != "https://app.example.com/main.dart.js?v=42#frag" {
		t.Fatalf("response url must keep the public origin, got %s", resp.URL)
	}
	if resp.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("content type not copied")
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop header leaked into cached response")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected one upstream call, got %d", len(seen))
	}
	got := seen[0]
	if got.URL.Path != "/base/main.dart.js" || got.URL.RawQuery != "v=42" {
		t.Fatalf("unexpected upstream target: %s", got.URL.String())
	}
	if got.Header.Get("X-Trace") != "abc" {
		t.Fatalf("request headers must be forwarded")
	}
	if got.Header.Get("Cache-Control") == "no-cache" {
		t.Fatalf("default mode must not force revalidation")
	}
}

func TestFetcherReloadBypassesHTTPCache(t *testing.T) {
	headers := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	base, _ := url.Parse(upstream.URL)
	fetcher := NewFetcher(upstream.Client(), "https://app.example.com", base, nil)
	resp, err := fetcher.Fetch(context.Background(), &worker.Request{
		URL:       "https://app.example.com/",
		Header:    http.Header{"If-None-Match": {`"etag"`}},
		CacheMode: worker.CacheReload,
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Status != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.Status)
	}
	header := <-headers
	if header.Get("Cache-Control") != "no-cache" || header.Get("Pragma") != "no-cache" {
		t.Fatalf("reload must send no-cache headers, got %v", header)
	}
	if header.Get("If-None-Match") != "" {
		t.Fatalf("reload must drop conditional headers")
	}
}

func TestFetcherReturnsIndependentCopies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("shared"))
	}))
	defer upstream.Close()

	base, _ := url.Parse(upstream.URL)
	fetcher := NewFetcher(upstream.Client(), "https://app.example.com", base, nil)

	first, err := fetcher.Fetch(context.Background(), &worker.Request{URL: "https://app.example.com/a.png"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	first.Body[0] = 'X'
	second, err := fetcher.Fetch(context.Background(), &worker.Request{URL: "https://app.example.com/a.png"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(second.Body) != "shared" {
		t.Fatalf("callers must not share buffers, got %q", second.Body)
	}
}

func TestFetcherRejectsForeignOrigin(t *testing.T) {
	base, _ := url.Parse("https://upstream.example.com")
	fetcher := NewFetcher(http.DefaultClient, "https://app.example.com", base, nil)
	if _, err := fetcher.Fetch(context.Background(), &worker.Request{URL: "https://evil.example.com/x"}); err == nil {
		t.Fatalf("expected error for request outside origin")
	}
}

func TestFetcherUsesConfiguredProxy(t *testing.T) {
	targets := make(chan string, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targets <- r.URL.Host
		_, _ = w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()

	base, _ := url.Parse("http://upstream.invalid")
	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{}}
	fetcher := NewFetcher(client, "https://app.example.com", base, proxyURL)

	resp, err := fetcher.Fetch(context.Background(), &worker.Request{URL: "https://app.example.com/index.html"})
	if err != nil {
		t.Fatalf("fetch via proxy failed: %v", err)
	}
	if target := <-targets; target != "upstream.invalid" || string(resp.Body) != "via proxy" {
		t.Fatalf("request did not go through proxy: target=%q body=%q", target, resp.Body)
	}
}

func TestFetcherDropsRangeAndConditionalHeaders(t *testing.T) {
	modified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "main.dart.js", modified, bytes.NewReader([]byte("0123456789")))
	}))
	defer upstream.Close()

	base, _ := url.Parse(upstream.URL)
	fetcher := NewFetcher(upstream.Client(), "https://app.example.com", base, nil)

	resp, err := fetcher.Fetch(context.Background(), &worker.Request{
		Method: http.MethodGet,
		URL:    "https://app.example.com/main.dart.js",
		Header: http.Header{
			"Range":             {"bytes=0-3"},
			"If-None-Match":     {`"v1"`},
			"If-Modified-Since": {modified.Format(http.TimeFormat)},
		},
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "0123456789" {
		t.Fatalf("expected full 200 body, got %d %q", resp.Status, resp.Body)
	}
}

func TestFetcherSharedCallSurvivesLeaderCancel(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		_, _ = w.Write([]byte("shell"))
	}))
	defer upstream.Close()

	base, _ := url.Parse(upstream.URL)
	fetcher := NewFetcher(upstream.Client(), "https://app.example.com", base, nil)
	req := &worker.Request{Method: http.MethodGet, URL: "https://app.example.com/main.dart.js"}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := fetcher.Fetch(leaderCtx, req)
		leaderErr <- err
	}()
	<-arrived

	type outcome struct {
		body string
		err  error
	}
	follower := make(chan outcome, 1)
	go func() {
		resp, err := fetcher.Fetch(context.Background(), req)
		if err != nil {
			follower <- outcome{err: err}
			return
		}
		follower <- outcome{body: string(resp.Body)}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader must observe its own cancellation, got %v", err)
	}
	close(release)

	select {
	case got := <-follower:
		if got.err != nil || got.body != "shell" {
			t.Fatalf("follower must not inherit leader cancellation: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("follower did not complete")
	}
}
